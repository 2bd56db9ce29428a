// Package thumbnailer is the composition root: it owns the three
// persistent caches, the two rate limiters, and the backoff state for
// a Thumbnailer process. Two distinct kinds of request sharing happen
// here: a mutex-guarded map hands out the same in-flight
// thumbrequest.Request to callers asking for the same fingerprint and
// size, and a go4.org/syncutil/singleflight.Group (wired the way
// pkg/cacher.CachingFetcher.faultIn coalesces concurrent blob fetches)
// ensures two Requests for the same fingerprint at different sizes
// only extract or download the underlying source once between them.
package thumbnailer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go4.org/syncutil/singleflight"

	"github.com/dormouse-cache/thumbnailer/pkg/backoff"
	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
	"github.com/dormouse-cache/thumbnailer/pkg/cachehelper"
	"github.com/dormouse-cache/thumbnailer/pkg/downloader"
	"github.com/dormouse-cache/thumbnailer/pkg/extractor"
	"github.com/dormouse-cache/thumbnailer/pkg/imagepipeline"
	"github.com/dormouse-cache/thumbnailer/pkg/jsonconfig"
	"github.com/dormouse-cache/thumbnailer/pkg/pcache"
	"github.com/dormouse-cache/thumbnailer/pkg/ratelimiter"
	"github.com/dormouse-cache/thumbnailer/pkg/thumbrequest"
)

// Config is the programmatic form of the knobs described in the
// external-interfaces section: cache sizes, concurrency limits,
// timeouts, and retry TTLs.
type Config struct {
	CacheDir string

	FullSizeCacheSizeMB  int64
	ThumbnailCacheSizeMB int64
	FailureCacheSizeMB   int64

	MaxDownloads   int // 0 = unbounded
	MaxExtractions int // 0 = run inline

	ExtractionTimeout time.Duration
	DownloadTimeout   time.Duration

	MaxBacklog int // 0 = unbounded

	RetryNotFoundHours int
	RetryErrorHours    int

	MaxThumbnailSizePixels int

	MinBackoff, MaxBackoff time.Duration

	ExtractorCommand []string
	ArtProvider      downloader.ArtProvider
}

// DefaultConfig returns the documented defaults, rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		CacheDir:               dir,
		FullSizeCacheSizeMB:    50,
		ThumbnailCacheSizeMB:   100,
		FailureCacheSizeMB:     2,
		MaxDownloads:           2,
		MaxExtractions:         0,
		ExtractionTimeout:      10 * time.Second,
		DownloadTimeout:        10 * time.Second,
		MaxBacklog:             0,
		RetryNotFoundHours:     168,
		RetryErrorHours:        2,
		MaxThumbnailSizePixels: 1920,
		MinBackoff:             time.Second,
		MaxBackoff:             2 * time.Second,
		ExtractorCommand:       []string{"frameextractor", "$fd", "$dest"},
	}
}

// ThumbnailerFromConfig builds a Thumbnailer from a jsonconfig.Obj, in
// the style of the teacher's NewFromConfig storage constructors:
// required keys first, optional keys pulled with their documented
// defaults, then Validate() to reject unknown keys.
func ThumbnailerFromConfig(conf jsonconfig.Obj) (*Thumbnailer, error) {
	dir := conf.RequiredString("cache_dir")
	cfg := DefaultConfig(dir)
	cfg.FullSizeCacheSizeMB = int64(conf.OptionalInt("full_size_cache_size", int(cfg.FullSizeCacheSizeMB)))
	cfg.ThumbnailCacheSizeMB = int64(conf.OptionalInt("thumbnail_cache_size", int(cfg.ThumbnailCacheSizeMB)))
	cfg.FailureCacheSizeMB = int64(conf.OptionalInt("failure_cache_size", int(cfg.FailureCacheSizeMB)))
	cfg.MaxDownloads = conf.OptionalInt("max_downloads", cfg.MaxDownloads)
	cfg.MaxExtractions = conf.OptionalInt("max_extractions", cfg.MaxExtractions)
	cfg.ExtractionTimeout = time.Duration(conf.OptionalInt("extraction_timeout", int(cfg.ExtractionTimeout/time.Second))) * time.Second
	cfg.MaxBacklog = conf.OptionalInt("max_backlog", cfg.MaxBacklog)
	cfg.RetryNotFoundHours = conf.OptionalInt("retry_not_found_hours", cfg.RetryNotFoundHours)
	cfg.RetryErrorHours = conf.OptionalInt("retry_error_hours", cfg.RetryErrorHours)
	cfg.MaxThumbnailSizePixels = conf.OptionalInt("max_thumbnail_size", cfg.MaxThumbnailSizePixels)
	cfg.MinBackoff = time.Duration(conf.OptionalInt("backoff_min_seconds", 1)) * time.Second
	cfg.MaxBackoff = time.Duration(conf.OptionalInt("backoff_max_seconds", 2)) * time.Second
	if cmd := conf.OptionalList("extractor_command"); len(cmd) > 0 {
		cfg.ExtractorCommand = cmd
	}
	if baseURL := conf.OptionalString("art_provider_url", ""); baseURL != "" {
		cfg.ArtProvider = downloader.NewHTTPProvider(baseURL, nil)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return NewThumbnailer(cfg)
}

// Thumbnailer owns the three persistent caches, the extraction and
// download rate limiters, and the shared backoff state, and coalesces
// concurrent lookups of the same fingerprint.
type Thumbnailer struct {
	cfg  Config
	deps *thumbrequest.Deps

	mu       sync.Mutex
	inFlight map[string]*thumbrequest.Request
}

// NewThumbnailer wires the caches, limiters, extractor, and downloader
// described by cfg into a ready-to-use Thumbnailer.
func NewThumbnailer(cfg Config) (*Thumbnailer, error) {
	if cfg.CacheDir == "" {
		return nil, cacheerr.New(cacheerr.InvalidArg, "cache_dir must not be empty")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, cacheerr.Wrap(cacheerr.HardError, "creating cache directory", err)
	}

	fullSize, err := cachehelper.New(fmt.Sprintf("%s/full_size", cfg.CacheDir), cfg.FullSizeCacheSizeMB<<20, pcache.LRUOnly)
	if err != nil {
		return nil, err
	}
	thumb, err := cachehelper.New(fmt.Sprintf("%s/thumbnail", cfg.CacheDir), cfg.ThumbnailCacheSizeMB<<20, pcache.LRUOnly)
	if err != nil {
		fullSize.Close()
		return nil, err
	}
	failure, err := cachehelper.New(fmt.Sprintf("%s/failure", cfg.CacheDir), cfg.FailureCacheSizeMB<<20, pcache.LRUPlusTTL)
	if err != nil {
		fullSize.Close()
		thumb.Close()
		return nil, err
	}

	b := backoff.New()
	b.SetMinBackoff(cfg.MinBackoff)
	b.SetMaxBackoff(cfg.MaxBackoff)

	provider := cfg.ArtProvider
	if provider == nil {
		provider = downloader.NewHTTPProvider("https://coverartarchive.org", nil)
	}

	deps := &thumbrequest.Deps{
		ThumbCache:        thumb,
		FullSizeCache:     fullSize,
		FailureCache:      failure,
		ExtractorLimiter:  ratelimiter.NewAsync(cfg.MaxExtractions),
		DownloaderLimiter: ratelimiter.NewAsync(cfg.MaxDownloads),
		Extractor:         extractor.New(cfg.ExtractorCommand, cfg.ExtractionTimeout),
		Downloader:        downloader.New(provider, b),
		Pipeline:          imagepipeline.New(),
		ExtractionTimeout: cfg.ExtractionTimeout,
		DownloadTimeout:   cfg.DownloadTimeout,
		RetryNotFoundTTL:  time.Duration(cfg.RetryNotFoundHours) * time.Hour,
		RetryErrorTTL:     time.Duration(cfg.RetryErrorHours) * time.Hour,
		RetryHardTTL:      30 * 24 * time.Hour,
		SourceCoalescer:   new(singleflight.Group),
	}

	return &Thumbnailer{cfg: cfg, deps: deps, inFlight: make(map[string]*thumbrequest.Request)}, nil
}

// clampSize enforces max_thumbnail_size and the (w,0)/(0,h)/(w,h)/(0,0)
// request shapes.
func (t *Thumbnailer) clampSize(width, height int) (thumbrequest.Size, error) {
	if width < 0 || height < 0 {
		return thumbrequest.Size{}, cacheerr.New(cacheerr.InvalidArg, "requested dimensions must not be negative")
	}
	max := t.cfg.MaxThumbnailSizePixels
	if max > 0 {
		if width > max {
			width = max
		}
		if height > max {
			height = max
		}
	}
	return thumbrequest.Size{Width: width, Height: height}, nil
}

// submit coalesces concurrent lookups for the same fingerprint+size
// into one thumbrequest.Request. A brand new request is refused with
// HardError once max_backlog distinct requests are already pending,
// the cap on pending client requests described in the configuration
// knobs.
func (t *Thumbnailer) submit(fp thumbrequest.Fingerprint, size thumbrequest.Size, file *os.File) (*thumbrequest.Request, error) {
	key := thumbrequest.ThumbKey(fp, size)

	t.mu.Lock()
	if req, ok := t.inFlight[key]; ok {
		t.mu.Unlock()
		return req, nil
	}
	if t.cfg.MaxBacklog > 0 && len(t.inFlight) >= t.cfg.MaxBacklog {
		t.mu.Unlock()
		return nil, cacheerr.New(cacheerr.HardError, "max_backlog exceeded")
	}
	req := thumbrequest.New(fp, size, file)
	t.inFlight[key] = req
	t.mu.Unlock()

	req.OnFinished(func(*thumbrequest.Request) {
		t.mu.Lock()
		delete(t.inFlight, key)
		t.mu.Unlock()
	})

	go req.Run(context.Background(), t.deps)
	return req, nil
}

// GetThumbnail requests a thumbnail for a local file, read through
// the already-open file descriptor f (the caller retains ownership
// and must keep it open until the returned request finishes).
func (t *Thumbnailer) GetThumbnail(path string, f *os.File, width, height int) (*thumbrequest.Request, error) {
	size, err := t.clampSize(width, height)
	if err != nil {
		return nil, err
	}
	fp := thumbrequest.Fingerprint{Kind: thumbrequest.LocalFile, Path: path}
	return t.submit(fp, size, f)
}

// GetAlbumArt requests cover art for artist/album.
func (t *Thumbnailer) GetAlbumArt(artist, album string, width, height int) (*thumbrequest.Request, error) {
	size, err := t.clampSize(width, height)
	if err != nil {
		return nil, err
	}
	fp := thumbrequest.Fingerprint{Kind: thumbrequest.AlbumArt, Artist: artist, Album: album}
	return t.submit(fp, size, nil)
}

// GetArtistArt requests artist art.
func (t *Thumbnailer) GetArtistArt(artist string, width, height int) (*thumbrequest.Request, error) {
	size, err := t.clampSize(width, height)
	if err != nil {
		return nil, err
	}
	fp := thumbrequest.Fingerprint{Kind: thumbrequest.ArtistArt, Artist: artist}
	return t.submit(fp, size, nil)
}

// Close releases the three underlying caches.
func (t *Thumbnailer) Close() error {
	var firstErr error
	for _, c := range []*cachehelper.Helper{t.deps.FullSizeCache, t.deps.ThumbCache, t.deps.FailureCache} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
