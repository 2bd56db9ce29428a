// Package imagepipeline decodes, orients, and scales source images for
// ThumbnailRequest's Scaling state. Decode/EXIF-orientation handling is
// grounded on pkg/images/images.go's Decode function; scaling uses
// golang.org/x/image/draw instead of the teacher's hand-rolled
// nearest-neighbor rotate/flip helpers, since this module has no
// equivalent requirement to special-case image.YCbCr in place.
package imagepipeline

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"io"

	_ "image/gif"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	xdraw "golang.org/x/image/draw"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

// Pipeline is the external contract ThumbnailRequest's Scaling state
// depends on: decode a source image, correct its orientation, and
// scale it to fit within width x height. Implementations are free to
// shortcut the full decode (e.g. returning an embedded thumbnail)
// whenever the result would be indistinguishable to the caller.
type Pipeline interface {
	// Scale reads a source image from r and writes a JPEG-encoded
	// result to w, scaled per the width/height rules: (0,0) keeps the
	// original size; (w,0) or (0,h) clamps that single dimension,
	// preserving aspect ratio; (w,h) fits inside that box. The result
	// is never upscaled beyond the original's dimensions. Negative
	// width or height is rejected with InvalidArg.
	Scale(r io.Reader, width, height int, w io.Writer) error
}

// Default is the reference Pipeline implementation: standard library
// image decoding, rwcarlsen/goexif for orientation (and, when
// available and large enough, the embedded EXIF thumbnail), and
// golang.org/x/image/draw for high-quality scaling.
type Default struct{}

// New returns the reference Pipeline implementation.
func New() Pipeline { return Default{} }

func (Default) Scale(r io.Reader, width, height int, w io.Writer) error {
	if width < 0 || height < 0 {
		return cacheerr.New(cacheerr.InvalidArg, "requested dimensions must not be negative")
	}

	var buf bytes.Buffer
	tr := io.TeeReader(r, &buf)
	x, exifErr := exif.Decode(tr)
	rest := io.MultiReader(&buf, r)

	var orientation int = 1
	if exifErr == nil {
		if tag, err := x.Get(exif.Orientation); err == nil {
			if v, err := tag.Int(0); err == nil {
				orientation = v
			}
		}
		// Prefer the embedded EXIF thumbnail if it already meets the
		// requested size: it avoids decoding and re-encoding the
		// full-resolution original. A (0,0) request asks for the
		// original size, which the thumbnail never meets.
		if thumb, terr := x.JpegThumbnail(); terr == nil && len(thumb) > 0 {
			if im, _, derr := image.Decode(bytes.NewReader(thumb)); derr == nil {
				if (width > 0 || height > 0) && fitsRequest(im.Bounds(), width, height) {
					return encodeScaled(orient(im, orientation), width, height, w)
				}
			}
		}
	}

	im, _, err := image.Decode(rest)
	if err != nil {
		return cacheerr.Wrap(cacheerr.HardError, "decoding image", err)
	}
	return encodeScaled(orient(im, orientation), width, height, w)
}

// fitsRequest reports whether an image with the given bounds is at
// least as large as the requested box in both dimensions (a zero
// requested dimension is unconstrained).
func fitsRequest(b image.Rectangle, width, height int) bool {
	if width > 0 && b.Dx() < width {
		return false
	}
	if height > 0 && b.Dy() < height {
		return false
	}
	return true
}

func encodeScaled(im image.Image, width, height int, w io.Writer) error {
	target := scaledSize(im.Bounds(), width, height)
	if target == im.Bounds().Size() {
		return jpeg.Encode(w, im, &jpeg.Options{Quality: 90})
	}
	dst := image.NewRGBA(image.Rect(0, 0, target.X, target.Y))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), im, im.Bounds(), draw.Over, nil)
	return jpeg.Encode(w, dst, &jpeg.Options{Quality: 90})
}

// scaledSize computes the output dimensions per the requested-size
// rules, never upscaling past the original.
func scaledSize(b image.Rectangle, width, height int) image.Point {
	origW, origH := b.Dx(), b.Dy()
	switch {
	case width == 0 && height == 0:
		return image.Pt(origW, origH)
	case height == 0:
		if width >= origW {
			return image.Pt(origW, origH)
		}
		h := origH * width / origW
		if h < 1 {
			h = 1
		}
		return image.Pt(width, h)
	case width == 0:
		if height >= origH {
			return image.Pt(origW, origH)
		}
		w := origW * height / origH
		if w < 1 {
			w = 1
		}
		return image.Pt(w, height)
	default:
		if width >= origW && height >= origH {
			return image.Pt(origW, origH)
		}
		wRatio := float64(width) / float64(origW)
		hRatio := float64(height) / float64(origH)
		ratio := wRatio
		if hRatio < ratio {
			ratio = hRatio
		}
		if ratio > 1 {
			ratio = 1
		}
		w := int(float64(origW) * ratio)
		h := int(float64(origH) * ratio)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		return image.Pt(w, h)
	}
}

// orient applies one of the 8 canonical EXIF orientation values to im,
// returning a (possibly new) image with the rotation/flip baked in.
func orient(im image.Image, orientation int) image.Image {
	switch orientation {
	case 1:
		return im
	case 2:
		return flipH(im)
	case 3:
		return rotate180(im)
	case 4:
		return flipV(im)
	case 5:
		return flipH(rotate90(im))
	case 6:
		return rotate90(im)
	case 7:
		return flipH(rotate270(im))
	case 8:
		return rotate270(im)
	default:
		return im
	}
}

func rotate90(im image.Image) image.Image {
	b := im.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(b.Dy()-1-y, x, im.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate270(im image.Image) image.Image {
	b := im.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(y, b.Dx()-1-x, im.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate180(im image.Image) image.Image {
	b := im.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(b.Dx()-1-x, b.Dy()-1-y, im.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func flipH(im image.Image) image.Image {
	b := im.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(b.Dx()-1-x, y, im.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func flipV(im image.Image) image.Image {
	b := im.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(x, b.Dy()-1-y, im.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
