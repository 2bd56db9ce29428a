// Package thumbrequest implements the per-request state machine
// (New → ProbingCache → {Returning | NeedSource} → {Extracting |
// Downloading} → Scaling → Writing → Returning | Failed) that turns a
// fingerprint and a requested size into thumbnail bytes, coalescing
// and rate-limiting handled by the owning Thumbnailer.
package thumbrequest

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go4.org/syncutil/singleflight"

	"github.com/dormouse-cache/thumbnailer/pkg/cachehelper"
	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
	"github.com/dormouse-cache/thumbnailer/pkg/downloader"
	"github.com/dormouse-cache/thumbnailer/pkg/extractor"
	"github.com/dormouse-cache/thumbnailer/pkg/imagepipeline"
	"github.com/dormouse-cache/thumbnailer/pkg/ratelimiter"
)

// Kind identifies what a Fingerprint refers to.
type Kind int

const (
	LocalFile Kind = iota
	AlbumArt
	ArtistArt
)

func (k Kind) String() string {
	switch k {
	case LocalFile:
		return "LocalFile"
	case AlbumArt:
		return "AlbumArt"
	case ArtistArt:
		return "ArtistArt"
	default:
		return "Unknown"
	}
}

// Fingerprint identifies a source image independent of requested size.
type Fingerprint struct {
	Kind           Kind
	Path           string // LocalFile
	Artist, Album  string // AlbumArt / ArtistArt
}

// Key returns a stable string uniquely identifying the source,
// regardless of requested size — used both as the source_key in the
// full-size cache and as the coalescing key.
func (f Fingerprint) Key() string {
	switch f.Kind {
	case LocalFile:
		return fmt.Sprintf("local\x00%s", f.Path)
	case AlbumArt:
		return fmt.Sprintf("album\x00%s\x00%s", f.Artist, f.Album)
	case ArtistArt:
		return fmt.Sprintf("artist\x00%s", f.Artist)
	default:
		return "unknown"
	}
}

// Size is a requested thumbnail box. Width and Height of 0 mean
// unconstrained in that dimension; (0,0) means the original size.
type Size struct {
	Width, Height int
}

func (s Size) key() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// ThumbKey combines a Fingerprint and Size into the thumbnail cache's
// lookup key.
func ThumbKey(fp Fingerprint, size Size) string {
	return fp.Key() + "\x00" + size.key()
}

// State is a position in the request state machine.
type State int

const (
	StateNew State = iota
	StateProbingCache
	StateNeedSource
	StateExtracting
	StateDownloading
	StateScaling
	StateWriting
	StateReturning
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateProbingCache:
		return "ProbingCache"
	case StateNeedSource:
		return "NeedSource"
	case StateExtracting:
		return "Extracting"
	case StateDownloading:
		return "Downloading"
	case StateScaling:
		return "Scaling"
	case StateWriting:
		return "Writing"
	case StateReturning:
		return "Returning"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Deps bundles everything the state machine needs, owned and wired by
// the Thumbnailer composition root.
type Deps struct {
	ThumbCache    *cachehelper.Helper
	FullSizeCache *cachehelper.Helper
	FailureCache  *cachehelper.Helper

	ExtractorLimiter  *ratelimiter.Async
	DownloaderLimiter *ratelimiter.Async

	Extractor  *extractor.Extractor
	Downloader *downloader.Downloader
	Pipeline   imagepipeline.Pipeline

	ExtractionTimeout time.Duration
	DownloadTimeout   time.Duration

	RetryNotFoundTTL time.Duration
	RetryErrorTTL    time.Duration
	RetryHardTTL     time.Duration

	// SourceCoalescer ensures only one extraction or download runs at
	// a time per fingerprint, even when several Requests for the same
	// source but different requested sizes are in flight together.
	SourceCoalescer *singleflight.Group
}

// Request is a single in-flight (fingerprint, size) lookup.
type Request struct {
	fp   Fingerprint
	size Size
	file *os.File // set for LocalFile requests; caller-owned

	mu        sync.Mutex
	state     State
	cancelled bool

	done   chan struct{}
	result []byte
	err    error

	onFinished []func(*Request)
}

// OnFinished registers cb to run once the request reaches a terminal
// state. If the request has already finished, cb runs immediately.
func (r *Request) OnFinished(cb func(*Request)) {
	r.mu.Lock()
	finished := r.IsFinished()
	if !finished {
		r.onFinished = append(r.onFinished, cb)
	}
	r.mu.Unlock()
	if finished {
		cb(r)
	}
}

// New creates a Request for fp and size. file must be non-nil for
// LocalFile fingerprints (the caller's already-open descriptor).
func New(fp Fingerprint, size Size, file *os.File) *Request {
	return &Request{fp: fp, size: size, file: file, state: StateNew, done: make(chan struct{})}
}

// State returns the request's current position in the state machine.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Request) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Cancel marks the request cancelled. Already-running extraction or
// download work is allowed to complete (and is still written to
// cache), but its result will not be delivered to this Request.
func (r *Request) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *Request) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Done returns a channel closed once the request reaches Returning,
// Failed, or Cancelled.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the thumbnail bytes and/or error. Only valid once
// Done is closed.
func (r *Request) Result() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// IsFinished reports whether the request has reached a terminal
// state (Returning, Failed, or Cancelled).
func (r *Request) IsFinished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Bytes returns the thumbnail bytes, or nil if the request has not
// finished or did not succeed.
func (r *Request) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// ErrorMessage returns the finished request's error text, or "" on
// success or if still running.
func (r *Request) ErrorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

// IsValid reports whether the request finished successfully.
func (r *Request) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateReturning && r.err == nil
}

// WaitForFinished blocks until the request finishes or ctx is done.
func (r *Request) WaitForFinished(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) finish(state State, data []byte, err error) {
	r.mu.Lock()
	if r.state == StateReturning || r.state == StateFailed || r.state == StateCancelled {
		r.mu.Unlock()
		return
	}
	if r.cancelled && state != StateFailed {
		state = StateCancelled
	}
	r.state = state
	r.result = data
	r.err = err
	callbacks := r.onFinished
	r.onFinished = nil
	r.mu.Unlock()
	close(r.done)
	for _, cb := range callbacks {
		cb(r)
	}
}

// Run executes the state machine to completion. The owning Thumbnailer
// invokes it once per Request; only the source fetch inside it is
// shared with other Requests for the same fingerprint, through
// deps.SourceCoalescer.
func (r *Request) Run(ctx context.Context, deps *Deps) {
	r.setState(StateProbingCache)

	thumbKey := ThumbKey(r.fp, r.size)
	sourceKey := r.fp.Key()

	if data, _, hit, err := deps.FailureCache.Get(thumbKey); err == nil && hit {
		r.finish(StateFailed, nil, decodeFailureRecord(data))
		return
	}

	if data, _, hit, err := deps.ThumbCache.Get(thumbKey); err == nil && hit {
		r.finish(StateReturning, data, nil)
		return
	}

	if r.isCancelled() {
		r.finish(StateCancelled, nil, cacheerr.New(cacheerr.Cancelled, "request cancelled"))
		return
	}

	r.setState(StateNeedSource)
	source, fromCache, err := r.obtainSource(ctx, deps, sourceKey)
	if err != nil {
		r.fail(deps, thumbKey, err)
		return
	}

	if r.isCancelled() {
		if !fromCache {
			if _, err := deps.FullSizeCache.Put(sourceKey, source, nil, 0); err != nil {
				logPutFailure("full_size_cache", sourceKey, err)
			}
		}
		r.finish(StateCancelled, nil, cacheerr.New(cacheerr.Cancelled, "request cancelled"))
		return
	}

	r.setState(StateScaling)
	scaled, err := scale(deps.Pipeline, source, r.size)
	if err != nil {
		r.fail(deps, thumbKey, err)
		return
	}

	r.setState(StateWriting)
	if !fromCache {
		if _, err := deps.FullSizeCache.Put(sourceKey, source, nil, 0); err != nil {
			logPutFailure("full_size_cache", sourceKey, err)
		}
	}
	if _, err := deps.ThumbCache.Put(thumbKey, scaled, nil, 0); err != nil {
		logPutFailure("thumbnail_cache", thumbKey, err)
	}

	r.finish(StateReturning, scaled, nil)
}

// obtainSource returns full-size source bytes, either from the
// full-size cache or freshly extracted/downloaded. A fresh fetch is
// coalesced through deps.SourceCoalescer, so that two Requests for
// the same fingerprint at different sizes only extract or download
// the source once between them.
func (r *Request) obtainSource(ctx context.Context, deps *Deps, sourceKey string) (data []byte, fromCache bool, err error) {
	if data, _, hit, err := deps.FullSizeCache.Get(sourceKey); err == nil && hit {
		return data, true, nil
	}

	v, err := deps.SourceCoalescer.Do(sourceKey, func() (interface{}, error) {
		switch r.fp.Kind {
		case LocalFile:
			return r.extractLocal(ctx, deps)
		default:
			return r.downloadRemote(ctx, deps)
		}
	})
	if err != nil {
		return nil, false, err
	}
	data, _ = v.([]byte)
	return data, false, nil
}

func (r *Request) extractLocal(ctx context.Context, deps *Deps) ([]byte, error) {
	if extractor.IsAudio(r.fp.Path) {
		fi, err := r.file.Stat()
		if err != nil {
			return nil, cacheerr.Wrap(cacheerr.HardError, "statting audio source", err)
		}
		r.setState(StateExtracting)
		return extractor.ExtractAudioCoverArt(r.file, fi.Size())
	}

	r.setState(StateExtracting)
	type outcome struct {
		data []byte
		err  error
	}
	resultCh := make(chan outcome, 1)
	done := make(chan struct{})
	cancel := deps.ExtractorLimiter.Run(func() {
		defer close(done)
		tmp, err := os.CreateTemp("", "extract-*")
		if err != nil {
			resultCh <- outcome{err: cacheerr.Wrap(cacheerr.HardError, "creating temp file", err)}
			return
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()
		extractCtx, cancel := context.WithTimeout(ctx, deps.ExtractionTimeout)
		defer cancel()
		if err := deps.Extractor.ExtractVideoFrame(extractCtx, r.file, tmp.Name()); err != nil {
			resultCh <- outcome{err: err}
			return
		}
		data, err := os.ReadFile(tmp.Name())
		if err != nil {
			resultCh <- outcome{err: cacheerr.Wrap(cacheerr.HardError, "reading extracted frame", err)}
			return
		}
		resultCh <- outcome{data: data}
	})
	if r.isCancelled() {
		cancel()
	}
	<-done
	out := <-resultCh
	return out.data, out.err
}

func (r *Request) downloadRemote(ctx context.Context, deps *Deps) ([]byte, error) {
	r.setState(StateDownloading)
	var reply *downloader.Reply
	done := make(chan struct{})
	cancel := deps.DownloaderLimiter.Run(func() {
		defer close(done)
		switch r.fp.Kind {
		case AlbumArt:
			reply = deps.Downloader.DownloadAlbum(ctx, r.fp.Artist, r.fp.Album, deps.DownloadTimeout)
		case ArtistArt:
			reply = deps.Downloader.DownloadArtist(ctx, r.fp.Artist, deps.DownloadTimeout)
		}
		<-reply.Done()
	})
	if r.isCancelled() {
		cancel()
	}
	<-done
	if reply == nil {
		return nil, cacheerr.New(cacheerr.Cancelled, "download cancelled before it started")
	}
	status, data := reply.Result()
	if status != downloader.Success {
		return nil, downloadStatusError(status)
	}
	return data, nil
}

func downloadStatusError(s downloader.Status) error {
	switch s {
	case downloader.NotFound:
		return cacheerr.New(cacheerr.NotFound, "remote art not found")
	case downloader.Timeout:
		return cacheerr.New(cacheerr.Timeout, "download timed out")
	case downloader.HardError:
		return cacheerr.New(cacheerr.HardError, "download rejected permanently")
	default:
		return cacheerr.New(cacheerr.TemporaryError, "download failed temporarily")
	}
}

func scale(p imagepipeline.Pipeline, source []byte, size Size) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Scale(bytes.NewReader(source), size.Width, size.Height, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fail classifies err, memoises it in the failure cache with the
// appropriate TTL, and finishes the request. The failure cache never
// memoises a success.
func (r *Request) fail(deps *Deps, thumbKey string, err error) {
	ttl := deps.RetryErrorTTL
	switch {
	case cacheerr.Is(err, cacheerr.NotFound):
		ttl = deps.RetryNotFoundTTL
	case cacheerr.Is(err, cacheerr.TemporaryError), cacheerr.Is(err, cacheerr.Timeout):
		ttl = deps.RetryErrorTTL
	case cacheerr.Is(err, cacheerr.HardError):
		ttl = deps.RetryHardTTL
	}
	expiry := time.Now().Add(ttl).UnixMilli()
	if _, perr := deps.FailureCache.Put(thumbKey, encodeFailureRecord(err), nil, expiry); perr != nil {
		logPutFailure("failure_cache", thumbKey, perr)
	}
	r.finish(StateFailed, nil, err)
}

func logPutFailure(cache, key string, err error) {
	log.Printf("Warning: %s: put(%s) failed: %v", cache, key, err)
}

// encodeFailureRecord/decodeFailureRecord persist just enough of a
// failure to reconstruct its Kind on a later failure-cache hit: one
// byte for the Kind, followed by the message text.
func encodeFailureRecord(err error) []byte {
	kind := cacheerr.HardError
	msg := err.Error()
	if ce, ok := err.(*cacheerr.Error); ok {
		kind = ce.Kind
		msg = ce.Msg
	}
	rec := make([]byte, 1+len(msg))
	rec[0] = byte(kind)
	copy(rec[1:], msg)
	return rec
}

func decodeFailureRecord(data []byte) error {
	if len(data) == 0 {
		return cacheerr.New(cacheerr.HardError, "failure cache hit with empty record")
	}
	return cacheerr.New(cacheerr.Kind(data[0]), string(data[1:]))
}
