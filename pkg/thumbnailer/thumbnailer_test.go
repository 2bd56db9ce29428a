package thumbnailer

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
	"github.com/dormouse-cache/thumbnailer/pkg/downloader"
	"github.com/dormouse-cache/thumbnailer/pkg/jsonconfig"
)

type stubProvider struct {
	data []byte
	err  error
	n    int
}

func (s *stubProvider) FetchAlbumArt(ctx context.Context, artist, album string) ([]byte, error) {
	s.n++
	return s.data, s.err
}

func (s *stubProvider) FetchArtistArt(ctx context.Context, artist string) ([]byte, error) {
	s.n++
	return s.data, s.err
}

func newTestThumbnailer(t *testing.T, provider downloader.ArtProvider) *Thumbnailer {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.ArtProvider = provider
	cfg.ExtractorCommand = []string{"/bin/sh", "-c", `printf frame > "$2"`, "--", "$fd", "$dest"}
	tn, err := NewThumbnailer(cfg)
	if err != nil {
		t.Fatalf("NewThumbnailer: %v", err)
	}
	t.Cleanup(func() { tn.Close() })
	return tn
}

func TestGetAlbumArtEndToEnd(t *testing.T) {
	var cover bytes.Buffer
	if err := jpeg.Encode(&cover, image.NewRGBA(image.Rect(0, 0, 200, 200)), nil); err != nil {
		t.Fatal(err)
	}
	tn := newTestThumbnailer(t, &stubProvider{data: cover.Bytes()})
	req, err := tn.GetAlbumArt("radiohead", "kid a", 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.WaitForFinished(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !req.IsValid() {
		t.Fatalf("request failed: %s", req.ErrorMessage())
	}
}

func TestConcurrentRequestsForSameFingerprintCoalesce(t *testing.T) {
	provider := &stubProvider{data: []byte("cover")}
	tn := newTestThumbnailer(t, provider)

	req1, err := tn.GetAlbumArt("artist", "album", 50, 50)
	if err != nil {
		t.Fatal(err)
	}
	req2, err := tn.GetAlbumArt("artist", "album", 50, 50)
	if err != nil {
		t.Fatal(err)
	}
	if req1 != req2 {
		t.Fatal("concurrent requests for the same fingerprint and size should share one handle")
	}
	req1.WaitForFinished(context.Background())
}

func TestMaxBacklogRejectsExcessPending(t *testing.T) {
	tn := newTestThumbnailer(t, &stubProvider{data: []byte("x")})
	tn.cfg.MaxBacklog = 1
	// Occupy the one backlog slot with a request that never finishes
	// to prove new distinct keys are turned away, not the second of
	// an identical one.
	tn.mu.Lock()
	tn.inFlight["occupied"] = nil
	tn.mu.Unlock()

	_, err := tn.GetArtistArt("new-artist", 10, 10)
	if !cacheerr.Is(err, cacheerr.HardError) {
		t.Fatalf("err = %v, want HardError for backlog overflow", err)
	}
}

func TestGetThumbnailRejectsNegativeDimensions(t *testing.T) {
	tn := newTestThumbnailer(t, &stubProvider{})
	_, err := tn.GetThumbnail("/some/path", nil, -1, 10)
	if !cacheerr.Is(err, cacheerr.InvalidArg) {
		t.Fatalf("err = %v, want InvalidArg", err)
	}
}

func TestThumbnailerFromConfigUsesDefaults(t *testing.T) {
	conf := jsonconfig.Obj{"cache_dir": t.TempDir()}
	tn, err := ThumbnailerFromConfig(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer tn.Close()
	if tn.cfg.RetryNotFoundHours != 168 || tn.cfg.FullSizeCacheSizeMB != 50 {
		t.Fatalf("unexpected defaults: %+v", tn.cfg)
	}
}

func TestThumbnailerFromConfigRejectsUnknownKeys(t *testing.T) {
	conf := jsonconfig.Obj{"cache_dir": t.TempDir(), "not_a_real_key": 1}
	if _, err := ThumbnailerFromConfig(conf); err == nil {
		t.Fatal("expected an error for an unknown config key")
	}
}
