// Package downloader fetches remote album/artist art through a
// pluggable ArtProvider, feeding failures into a backoff.Adjuster the
// same way the original implementation gates remote requests on
// BackoffAdjuster::retry_ok. Reply is a one-shot future in the
// teacher's style of wrapping a completion channel around an
// asynchronous operation (pkg/video/thumbnail.Service.Generate's
// cmdErrc/servErrc pattern).
package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/dormouse-cache/thumbnailer/pkg/backoff"
	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

// Status classifies how a download finished.
type Status int

const (
	Success Status = iota
	NotFound
	TemporaryError
	HardError
	NetworkDown
	Timeout
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case NotFound:
		return "NotFound"
	case TemporaryError:
		return "TemporaryError"
	case HardError:
		return "HardError"
	case NetworkDown:
		return "NetworkDown"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Reply is a future that fires exactly once.
type Reply struct {
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	status Status
	data   []byte
}

func newReply() *Reply {
	return &Reply{done: make(chan struct{})}
}

func (r *Reply) finish(status Status, data []byte) {
	r.once.Do(func() {
		r.mu.Lock()
		r.status, r.data = status, data
		r.mu.Unlock()
		close(r.done)
	})
}

// Done returns a channel closed once the reply has finished.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Result returns the final status and, on Success, the fetched bytes.
// It must only be called after Done is closed.
func (r *Reply) Result() (Status, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.data
}

// Wait blocks until the reply finishes or ctx is done.
func (r *Reply) Wait(ctx context.Context) (Status, []byte, error) {
	select {
	case <-r.done:
		s, d := r.Result()
		return s, d, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// ArtProvider fetches raw art bytes for an album or an artist. Errors
// should be *cacheerr.Error so Downloader can classify them.
type ArtProvider interface {
	FetchAlbumArt(ctx context.Context, artist, album string) ([]byte, error)
	FetchArtistArt(ctx context.Context, artist string) ([]byte, error)
}

// Downloader runs ArtProvider fetches asynchronously behind a
// BackoffAdjuster.
type Downloader struct {
	provider ArtProvider
	backoff  *backoff.Adjuster
}

// New returns a Downloader using provider for fetches and b to gate
// and record retry state.
func New(provider ArtProvider, b *backoff.Adjuster) *Downloader {
	return &Downloader{provider: provider, backoff: b}
}

// DownloadAlbum fetches cover art for artist/album, refusing immediately
// with TemporaryError if the backoff window has not yet elapsed.
func (d *Downloader) DownloadAlbum(ctx context.Context, artist, album string, timeout time.Duration) *Reply {
	return d.run(ctx, timeout, func(ctx context.Context) ([]byte, error) {
		return d.provider.FetchAlbumArt(ctx, artist, album)
	})
}

// DownloadArtist fetches artist art, with the same refusal and backoff
// semantics as DownloadAlbum.
func (d *Downloader) DownloadArtist(ctx context.Context, artist string, timeout time.Duration) *Reply {
	return d.run(ctx, timeout, func(ctx context.Context) ([]byte, error) {
		return d.provider.FetchArtistArt(ctx, artist)
	})
}

func (d *Downloader) run(ctx context.Context, timeout time.Duration, fetch func(context.Context) ([]byte, error)) *Reply {
	reply := newReply()
	if !d.backoff.RetryOK() {
		reply.finish(TemporaryError, nil)
		return reply
	}
	go func() {
		fetchCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		data, err := fetch(fetchCtx)
		if err == nil {
			d.backoff.Reset()
			reply.finish(Success, data)
			return
		}
		status := classify(fetchCtx, err)
		switch status {
		case TemporaryError, NetworkDown, Timeout:
			d.backoff.AdjustRetryLimit()
		}
		reply.finish(status, nil)
	}()
	return reply
}

func classify(ctx context.Context, err error) Status {
	if ctx.Err() == context.DeadlineExceeded {
		return Timeout
	}
	switch {
	case cacheerr.Is(err, cacheerr.NotFound):
		return NotFound
	case cacheerr.Is(err, cacheerr.Timeout):
		return Timeout
	case cacheerr.Is(err, cacheerr.HardError):
		return HardError
	case cacheerr.Is(err, cacheerr.TemporaryError):
		return TemporaryError
	default:
		return NetworkDown
	}
}
