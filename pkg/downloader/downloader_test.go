package downloader

import (
	"context"
	"testing"
	"time"

	"github.com/dormouse-cache/thumbnailer/pkg/backoff"
	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

type fakeProvider struct {
	albumData []byte
	albumErr  error
}

func (f *fakeProvider) FetchAlbumArt(ctx context.Context, artist, album string) ([]byte, error) {
	return f.albumData, f.albumErr
}

func (f *fakeProvider) FetchArtistArt(ctx context.Context, artist string) ([]byte, error) {
	return f.albumData, f.albumErr
}

func TestDownloadAlbumSuccess(t *testing.T) {
	p := &fakeProvider{albumData: []byte("cover")}
	d := New(p, backoff.New())
	reply := d.DownloadAlbum(context.Background(), "artist", "album", time.Second)
	status, data, err := reply.Wait(context.Background())
	if err != nil || status != Success || string(data) != "cover" {
		t.Fatalf("status=%v data=%q err=%v", status, data, err)
	}
}

func TestDownloadAlbumNotFoundDoesNotBackoff(t *testing.T) {
	p := &fakeProvider{albumErr: cacheerr.New(cacheerr.NotFound, "nope")}
	b := backoff.New()
	d := New(p, b)
	reply := d.DownloadAlbum(context.Background(), "a", "b", time.Second)
	status, _, _ := reply.Wait(context.Background())
	if status != NotFound {
		t.Fatalf("status = %v, want NotFound", status)
	}
	if !b.RetryOK() {
		t.Fatal("NotFound should not trigger backoff")
	}
}

func TestDownloadAlbumTemporaryErrorTriggersBackoff(t *testing.T) {
	p := &fakeProvider{albumErr: cacheerr.New(cacheerr.TemporaryError, "flaky")}
	b := backoff.New()
	d := New(p, b)
	reply := d.DownloadAlbum(context.Background(), "a", "b", time.Second)
	status, _, _ := reply.Wait(context.Background())
	if status != TemporaryError {
		t.Fatalf("status = %v, want TemporaryError", status)
	}
	if b.RetryOK() {
		t.Fatal("TemporaryError should have started a backoff window")
	}
}

func TestDownloadRefusedDuringBackoffWindow(t *testing.T) {
	p := &fakeProvider{albumErr: cacheerr.New(cacheerr.TemporaryError, "flaky")}
	b := backoff.New()
	d := New(p, b)
	<-d.DownloadAlbum(context.Background(), "a", "b", time.Second).Done()

	reply := d.DownloadAlbum(context.Background(), "a", "b", time.Second)
	status, _, _ := reply.Wait(context.Background())
	if status != TemporaryError {
		t.Fatalf("status = %v, want refused TemporaryError", status)
	}
	// A refusal finishes synchronously, before a goroutine could have
	// run, so Done is already closed by the time DownloadAlbum returns.
	select {
	case <-reply.Done():
	default:
		t.Fatal("a refused download should finish synchronously")
	}
}
