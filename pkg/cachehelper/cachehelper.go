// Package cachehelper wraps a pcache.Cache and recovers from on-disk
// corruption automatically, matching src/cachehelper.cpp from the
// original implementation this module is derived from: any operation
// that surfaces the distinguished corruption error causes the cache
// directory to be wiped, rebuilt from the original parameters, and the
// operation retried exactly once.
package cachehelper

import (
	"os"
	"sync"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
	"github.com/dormouse-cache/thumbnailer/pkg/cachestats"
	"github.com/dormouse-cache/thumbnailer/pkg/pcache"
)

// Helper owns a pcache.Cache and retries once on Corrupt.
type Helper struct {
	path    string
	maxSize int64
	policy  pcache.Policy

	mu    sync.Mutex
	cache *pcache.Cache
}

// New opens (or creates) the cache at path. If a cache already exists
// there with a different max size, it is reopened with its persisted
// size and then resized to maxSize, rather than failing.
func New(path string, maxSize int64, policy pcache.Policy) (*Helper, error) {
	h := &Helper{path: path, maxSize: maxSize, policy: policy}
	if err := h.open(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Helper) open() error {
	c, err := pcache.Create(h.path, h.maxSize, h.policy)
	if cacheerr.Is(err, cacheerr.LogicError) {
		existing, oerr := pcache.OpenExisting(h.path)
		if oerr != nil {
			return oerr
		}
		if rerr := existing.Resize(h.maxSize); rerr != nil {
			existing.Close()
			return rerr
		}
		h.cache = existing
		return nil
	}
	if cacheerr.Is(err, cacheerr.Corrupt) {
		return h.rebuild()
	}
	if err != nil {
		return err
	}
	h.cache = c
	return nil
}

func (h *Helper) rebuild() error {
	if h.cache != nil {
		h.cache.Close()
	}
	if err := os.RemoveAll(h.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	c, err := pcache.Create(h.path, h.maxSize, h.policy)
	if err != nil {
		return err
	}
	h.cache = c
	return nil
}

// withRetry runs fn against the live cache, and on a Corrupt error
// rebuilds the cache from scratch and retries fn exactly once.
func withRetry[T any](h *Helper, fn func(*pcache.Cache) (T, error)) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := fn(h.cache)
	if cacheerr.Is(err, cacheerr.Corrupt) {
		if rerr := h.rebuild(); rerr != nil {
			var zero T
			return zero, rerr
		}
		v, err = fn(h.cache)
	}
	return v, err
}

func withRetryErr(h *Helper, fn func(*pcache.Cache) error) error {
	_, err := withRetry(h, func(c *pcache.Cache) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

type getResult struct {
	value, metadata []byte
	ok              bool
}

// Get looks up key, recovering from corruption once if necessary.
func (h *Helper) Get(key string) (value, metadata []byte, ok bool, err error) {
	r, err := withRetry(h, func(c *pcache.Cache) (getResult, error) {
		v, m, ok, err := c.Get(key)
		return getResult{v, m, ok}, err
	})
	return r.value, r.metadata, r.ok, err
}

// Put stores value/metadata under key.
func (h *Helper) Put(key string, value, metadata []byte, expiryMs int64) (bool, error) {
	return withRetry(h, func(c *pcache.Cache) (bool, error) {
		return c.Put(key, value, metadata, expiryMs)
	})
}

// GetOrPut looks up key, invoking load on a miss.
func (h *Helper) GetOrPut(key string, load pcache.Loader) (value, metadata []byte, err error) {
	r, err := withRetry(h, func(c *pcache.Cache) (getResult, error) {
		v, m, err := c.GetOrPut(key, load)
		return getResult{value: v, metadata: m}, err
	})
	return r.value, r.metadata, err
}

// Take returns and deletes the entry under key.
func (h *Helper) Take(key string) (value, metadata []byte, ok bool, err error) {
	r, err := withRetry(h, func(c *pcache.Cache) (getResult, error) {
		v, m, ok, err := c.Take(key)
		return getResult{v, m, ok}, err
	})
	return r.value, r.metadata, r.ok, err
}

// Invalidate deletes keys.
func (h *Helper) Invalidate(keys ...string) error {
	return withRetryErr(h, func(c *pcache.Cache) error {
		return c.Invalidate(keys...)
	})
}

// InvalidateAll deletes every entry.
func (h *Helper) InvalidateAll() error {
	return withRetryErr(h, func(c *pcache.Cache) error {
		return c.InvalidateAll()
	})
}

// Touch refreshes atime/etime for key.
func (h *Helper) Touch(key string, expiryMs int64) (bool, error) {
	return withRetry(h, func(c *pcache.Cache) (bool, error) {
		return c.Touch(key, expiryMs)
	})
}

// Resize changes the byte budget.
func (h *Helper) Resize(newMax int64) error {
	h.mu.Lock()
	h.maxSize = newMax
	h.mu.Unlock()
	return withRetryErr(h, func(c *pcache.Cache) error {
		return c.Resize(newMax)
	})
}

// TrimTo evicts down to a transient target.
func (h *Helper) TrimTo(target int64) error {
	return withRetryErr(h, func(c *pcache.Cache) error {
		return c.TrimTo(target)
	})
}

// Compact reclaims space from deleted entries.
func (h *Helper) Compact() error {
	return withRetryErr(h, func(c *pcache.Cache) error {
		return c.Compact()
	})
}

// ClearStats resets the activity counters.
func (h *Helper) ClearStats() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.ClearStats()
}

// Stats returns a snapshot of the cache's statistics.
func (h *Helper) Stats() cachestats.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Stats()
}

// Size returns the number of entries.
func (h *Helper) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Size()
}

// SizeInBytes returns the total stored bytes.
func (h *Helper) SizeInBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.SizeInBytes()
}

// MaxSizeInBytes returns the configured byte budget.
func (h *Helper) MaxSizeInBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.MaxSizeInBytes()
}

// SetHandler registers an event callback on the live cache. A rebuild
// triggered by corruption recovery does not carry the handler over;
// callers that need one after recovery must call SetHandler again.
func (h *Helper) SetHandler(mask pcache.EventKind, cb pcache.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.SetHandler(mask, cb)
}

// Close releases the underlying cache.
func (h *Helper) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Close()
}
