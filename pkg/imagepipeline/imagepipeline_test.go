package imagepipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	im := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, im, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodedSize(t *testing.T, b []byte) (int, int) {
	t.Helper()
	im, err := jpeg.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return im.Bounds().Dx(), im.Bounds().Dy()
}

func TestScaleKeepsOriginalSizeWhenUnconstrained(t *testing.T) {
	src := makeJPEG(t, 100, 50)
	var out bytes.Buffer
	if err := New().Scale(bytes.NewReader(src), 0, 0, &out); err != nil {
		t.Fatal(err)
	}
	w, h := decodedSize(t, out.Bytes())
	if w != 100 || h != 50 {
		t.Fatalf("got %dx%d, want 100x50", w, h)
	}
}

func TestScaleClampsSingleDimension(t *testing.T) {
	src := makeJPEG(t, 100, 50)
	var out bytes.Buffer
	if err := New().Scale(bytes.NewReader(src), 50, 0, &out); err != nil {
		t.Fatal(err)
	}
	w, h := decodedSize(t, out.Bytes())
	if w != 50 || h != 25 {
		t.Fatalf("got %dx%d, want 50x25", w, h)
	}
}

func TestScaleFitsBothDimensions(t *testing.T) {
	src := makeJPEG(t, 200, 100)
	var out bytes.Buffer
	if err := New().Scale(bytes.NewReader(src), 50, 50, &out); err != nil {
		t.Fatal(err)
	}
	w, h := decodedSize(t, out.Bytes())
	if w != 50 || h != 25 {
		t.Fatalf("got %dx%d, want 50x25", w, h)
	}
}

func TestScaleNeverUpscales(t *testing.T) {
	src := makeJPEG(t, 20, 10)
	var out bytes.Buffer
	if err := New().Scale(bytes.NewReader(src), 200, 200, &out); err != nil {
		t.Fatal(err)
	}
	w, h := decodedSize(t, out.Bytes())
	if w != 20 || h != 10 {
		t.Fatalf("got %dx%d, want original 20x10", w, h)
	}
}

func TestScaleRejectsNegativeDimensions(t *testing.T) {
	src := makeJPEG(t, 20, 10)
	var out bytes.Buffer
	err := New().Scale(bytes.NewReader(src), -1, 10, &out)
	if !cacheerr.Is(err, cacheerr.InvalidArg) {
		t.Fatalf("negative width = %v, want InvalidArg", err)
	}
}
