// Package pcache implements a persistent, byte-budgeted key/value cache
// with pluggable eviction (LRU-only or LRU+TTL). It is the central
// component of this module, built the way the teacher builds
// pkg/sorted-backed stores: one ordered kvstore.Store holds three
// logical column families distinguished by key prefix (main row, LRU
// index, TTL index), exactly as pkg/sorted iterators are purely
// lexicographic and callers encode ordering into the key itself.
package pcache

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/dormouse-cache/thumbnailer/pkg/cachecodec"
	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
	"github.com/dormouse-cache/thumbnailer/pkg/cachestats"
	"github.com/dormouse-cache/thumbnailer/pkg/filelock"
	"github.com/dormouse-cache/thumbnailer/pkg/pcache/kvstore"
)

// lockAcquireTimeout bounds how long Create/OpenExisting wait for
// another process's writer lock on the same cache directory before
// giving up, the "bounded-wait acquisition" the FileLock component
// provides.
const lockAcquireTimeout = 5 * time.Second

// Policy selects the eviction discipline for a Cache.
type Policy int

const (
	// LRUOnly evicts purely by least-recently-used order; expiries are
	// rejected with InvalidArg.
	LRUOnly Policy = iota
	// LRUPlusTTL evicts expired entries first, then falls back to LRU.
	LRUPlusTTL
)

func (p Policy) String() string {
	if p == LRUPlusTTL {
		return "LRUPlusTTL"
	}
	return "LRUOnly"
}

// EventKind is a bitmask identifying which Cache operation fired a
// Handler.
type EventKind uint32

const (
	EventGet EventKind = 1 << iota
	EventPut
	EventInvalidate
	EventTouch
	EventMiss
	EventEvictTTL
	EventEvictLRU
)

// Handler is invoked synchronously, inside the cache's lock, before the
// triggering operation returns to its caller. Because the lock is
// reentrant, a Handler may call back into the same Cache.
type Handler func(kind EventKind, key string)

const (
	mainPrefix  = "m:"
	atimePrefix = "a:"
	etimePrefix = "t:"
)

var (
	dirtyKey   = []byte("\x00dirty")
	settingsKey = []byte("\x00maxsize")
)

// Cache is a persistent, byte-budgeted key/value cache. All exported
// methods are safe for concurrent use and atomic with respect to other
// callers in the same process.
type Cache struct {
	mu recursiveMutex

	store  kvstore.Store
	policy Policy
	lock   *filelock.FileLock

	maxSize int64

	lastAtimeMs int64

	stats *cachestats.Stats

	handlerMask EventKind
	handler     Handler
}

// acquireLock takes out the whole-cache-directory advisory lock
// alongside the store at path, enforcing one writer process per cache
// directory (spec.md §5, §6). It fails with HardError if another
// process still holds the lock after lockAcquireTimeout.
func acquireLock(path string) (*filelock.FileLock, error) {
	l, err := filelock.New(path + ".lock")
	if err != nil {
		return nil, err
	}
	ok, err := l.Lock(lockAcquireTimeout)
	if err != nil {
		l.Close()
		return nil, err
	}
	if !ok {
		l.Close()
		return nil, cacheerr.New(cacheerr.HardError, "cache directory is locked by another process: "+path)
	}
	return l, nil
}

// Create opens (creating if necessary) a cache at path with the given
// byte budget and eviction policy. If the store already exists with a
// different persisted max size, Create fails with LogicError — callers
// should use Resize instead.
func Create(path string, maxSize int64, policy Policy) (*Cache, error) {
	if maxSize <= 0 {
		return nil, cacheerr.New(cacheerr.InvalidArg, "max size must be positive")
	}
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	store, err := kvstore.OpenFS(path)
	if err != nil {
		lock.Unlock()
		lock.Close()
		return nil, cacheerr.Wrap(cacheerr.Corrupt, "opening store", err)
	}
	c := &Cache{store: store, lock: lock}
	existing, err := store.Get(settingsKey)
	switch err {
	case nil:
		storedMax, storedPolicy, derr := decodeSettings(existing)
		if derr != nil {
			c.closeLocked()
			return nil, cacheerr.Wrap(cacheerr.Corrupt, "decoding settings", derr)
		}
		if storedMax != maxSize {
			c.closeLocked()
			return nil, cacheerr.New(cacheerr.LogicError, "cache reopened with a different max size; use Resize")
		}
		c.maxSize, c.policy = storedMax, storedPolicy
	case kvstore.ErrNotFound:
		c.maxSize, c.policy = maxSize, policy
		if err := store.Set(settingsKey, encodeSettings(maxSize, policy)); err != nil {
			c.closeLocked()
			return nil, err
		}
	default:
		c.closeLocked()
		return nil, cacheerr.Wrap(cacheerr.Corrupt, "reading settings", err)
	}
	if err := c.init(); err != nil {
		c.closeLocked()
		return nil, err
	}
	return c, nil
}

// OpenExisting opens a cache that must already exist at path, using its
// persisted max size and policy. It fails with NotFound if no cache has
// ever been created there.
func OpenExisting(path string) (*Cache, error) {
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	store, err := kvstore.OpenFS(path)
	if err != nil {
		lock.Unlock()
		lock.Close()
		return nil, cacheerr.Wrap(cacheerr.Corrupt, "opening store", err)
	}
	c := &Cache{store: store, lock: lock}
	existing, err := store.Get(settingsKey)
	if err == kvstore.ErrNotFound {
		c.closeLocked()
		return nil, cacheerr.New(cacheerr.NotFound, "no existing cache at path")
	}
	if err != nil {
		c.closeLocked()
		return nil, cacheerr.Wrap(cacheerr.Corrupt, "reading settings", err)
	}
	maxSize, policy, derr := decodeSettings(existing)
	if derr != nil {
		c.closeLocked()
		return nil, cacheerr.Wrap(cacheerr.Corrupt, "decoding settings", derr)
	}
	c.maxSize, c.policy = maxSize, policy
	if err := c.init(); err != nil {
		c.closeLocked()
		return nil, err
	}
	return c, nil
}

// init scrubs the indexes if the dirty flag is set, then always
// reconstructs the in-memory Stats (never persisted) by scanning the
// main rows once.
func (c *Cache) init() error {
	dirty, err := c.store.Get(dirtyKey)
	if err != nil && err != kvstore.ErrNotFound {
		return cacheerr.Wrap(cacheerr.Corrupt, "reading dirty flag", err)
	}
	if err == nil && len(dirty) == 1 && dirty[0] == 1 {
		if err := c.scrub(); err != nil {
			return err
		}
	}
	c.stats = cachestats.New(c.maxSize)
	return c.rebuildStats()
}

// rebuildStats walks every main row and feeds its size into a fresh
// Stats, and tracks the maximum atime seen so atime allocation stays
// monotonic across restarts.
func (c *Cache) rebuildStats() error {
	it := c.store.Find([]byte(mainPrefix))
	defer it.Close()
	for it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, []byte(mainPrefix)) {
			break
		}
		atime, _, size, _, _, err := decodeMainRow(it.Value())
		if err != nil {
			return cacheerr.Wrap(cacheerr.Corrupt, "rebuilding stats", err)
		}
		c.stats.SizeChanged(-1, size)
		if atime > c.lastAtimeMs {
			c.lastAtimeMs = atime
		}
	}
	return nil
}

// scrub rebuilds the LRU and TTL indexes from the main rows, used after
// an unclean shutdown left the dirty flag set.
func (c *Cache) scrub() error {
	if err := c.deleteByPrefix(atimePrefix); err != nil {
		return err
	}
	if err := c.deleteByPrefix(etimePrefix); err != nil {
		return err
	}
	b := c.store.BeginBatch()
	it := c.store.Find([]byte(mainPrefix))
	for it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, []byte(mainPrefix)) {
			break
		}
		key := string(k[len(mainPrefix):])
		atime, etime, _, _, _, err := decodeMainRow(it.Value())
		if err != nil {
			it.Close()
			return cacheerr.Wrap(cacheerr.Corrupt, "scrubbing", err)
		}
		b.Set(atimeIndexKey(atime, key), nil)
		if c.policy == LRUPlusTTL && etime > 0 {
			b.Set(etimeIndexKey(etime, key), nil)
		}
	}
	it.Close()
	if err := c.store.CommitBatch(b); err != nil {
		return err
	}
	return c.store.Set(dirtyKey, []byte{0})
}

func (c *Cache) deleteByPrefix(prefix string) error {
	var keys [][]byte
	it := c.store.Find([]byte(prefix))
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), []byte(prefix)) {
			break
		}
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	it.Close()
	if len(keys) == 0 {
		return nil
	}
	b := c.store.BeginBatch()
	for _, k := range keys {
		b.Delete(k)
	}
	return c.store.CommitBatch(b)
}

// mutate runs fn against a fresh batch inside the dirty-flag protocol:
// the flag is set before the batch, committed, then cleared — so a
// crash mid-batch leaves the flag set and forces a scrub on the next
// Create/OpenExisting.
func (c *Cache) mutate(fn func(b kvstore.Batch) error) error {
	if err := c.store.Set(dirtyKey, []byte{1}); err != nil {
		return err
	}
	b := c.store.BeginBatch()
	if err := fn(b); err != nil {
		return err
	}
	if err := c.store.CommitBatch(b); err != nil {
		return err
	}
	return c.store.Set(dirtyKey, []byte{0})
}

func (c *Cache) nextAtime(now time.Time) int64 {
	ms := now.UnixMilli()
	if ms <= c.lastAtimeMs {
		ms = c.lastAtimeMs + 1
	}
	c.lastAtimeMs = ms
	return ms
}

func (c *Cache) fire(kind EventKind, key string) {
	if c.handler != nil && c.handlerMask&kind != 0 {
		c.handler(kind, key)
	}
}

// Get returns the value and metadata stored under key, refreshing its
// atime on a hit.
func (c *Cache) Get(key string) (value, metadata []byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	row, err := c.store.Get(mainKey(key))
	if err == kvstore.ErrNotFound {
		c.stats.RecordMiss(now)
		c.fire(EventMiss, key)
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, cacheerr.Wrap(cacheerr.Corrupt, "get", err)
	}
	oldAtime, etime, _, value, metadata, derr := decodeMainRow(row)
	if derr != nil {
		return nil, nil, false, cacheerr.Wrap(cacheerr.Corrupt, "get: decode", derr)
	}

	if c.policy == LRUPlusTTL && etime != 0 && etime <= now.UnixMilli() {
		if _, err := c.removeEntry(key); err != nil {
			return nil, nil, false, err
		}
		c.stats.RecordMiss(now)
		c.fire(EventEvictTTL, key)
		c.fire(EventMiss, key)
		return nil, nil, false, nil
	}

	newAtime := c.nextAtime(now)
	err = c.mutate(func(b kvstore.Batch) error {
		b.Delete(atimeIndexKey(oldAtime, key))
		b.Set(atimeIndexKey(newAtime, key), nil)
		b.Set(mainKey(key), encodeMainRow(newAtime, etime, value, metadata))
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}

	c.stats.RecordHit(now)
	c.fire(EventGet, key)
	return value, metadata, true, nil
}

// ContainsKey reports whether key is present, without affecting
// statistics or atime.
func (c *Cache) ContainsKey(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.store.Get(mainKey(key))
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, cacheerr.Wrap(cacheerr.Corrupt, "contains_key", err)
	}
	return true, nil
}

// Put stores value and metadata under key with the given expiry
// (milliseconds since epoch, or 0 for none). It reports false, with no
// error, if the entry alone is larger than the cache's byte budget.
func (c *Cache) Put(key string, value, metadata []byte, expiryMs int64) (bool, error) {
	if key == "" {
		return false, cacheerr.New(cacheerr.InvalidArg, "key must not be empty")
	}
	if expiryMs != 0 && c.policy == LRUOnly {
		return false, cacheerr.New(cacheerr.InvalidArg, "expiry set under LRU-only policy")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, value, metadata, expiryMs, time.Now())
}

func (c *Cache) putLocked(key string, value, metadata []byte, expiryMs int64, now time.Time) (bool, error) {
	size := int64(len(value) + len(metadata))
	if size > c.maxSize {
		return false, nil
	}

	var oldSize int64 = -1
	var oldAtime int64
	if row, err := c.store.Get(mainKey(key)); err == nil {
		oldAtime, _, oldSize, _, _, _ = decodeMainRow(row)
	} else if err != kvstore.ErrNotFound {
		return false, cacheerr.Wrap(cacheerr.Corrupt, "put", err)
	}

	if need := c.stats.Snapshot().CacheSize + size - (oldSizeOrZero(oldSize)) - c.maxSize; need > 0 {
		if err := c.evict(need, key, now); err != nil {
			return false, err
		}
	}

	atime := c.nextAtime(now)
	err := c.mutate(func(b kvstore.Batch) error {
		if oldSize >= 0 {
			b.Delete(atimeIndexKey(oldAtime, key))
		}
		b.Set(atimeIndexKey(atime, key), nil)
		if c.policy == LRUPlusTTL && expiryMs > 0 {
			b.Set(etimeIndexKey(expiryMs, key), nil)
		}
		b.Set(mainKey(key), encodeMainRow(atime, expiryMs, value, metadata))
		return nil
	})
	if err != nil {
		return false, err
	}
	c.stats.SizeChanged(oldSize, size)
	c.fire(EventPut, key)
	return true, nil
}

func oldSizeOrZero(s int64) int64 {
	if s < 0 {
		return 0
	}
	return s
}

// Loader computes the value, metadata, and expiry (milliseconds, or 0)
// for a key on a GetOrPut miss.
type Loader func() (value, metadata []byte, expiryMs int64, err error)

// GetOrPut returns the cached value for key, invoking load under the
// cache's lock only on a miss. A loader error propagates without
// writing an entry.
func (c *Cache) GetOrPut(key string, load Loader) (value, metadata []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	row, err := c.store.Get(mainKey(key))
	if err != nil && err != kvstore.ErrNotFound {
		return nil, nil, cacheerr.Wrap(cacheerr.Corrupt, "get_or_put", err)
	}
	if err == nil {
		oldAtime, etime, _, value, metadata, derr := decodeMainRow(row)
		if derr != nil {
			return nil, nil, cacheerr.Wrap(cacheerr.Corrupt, "get_or_put: decode", derr)
		}
		newAtime := c.nextAtime(now)
		merr := c.mutate(func(b kvstore.Batch) error {
			b.Delete(atimeIndexKey(oldAtime, key))
			b.Set(atimeIndexKey(newAtime, key), nil)
			b.Set(mainKey(key), encodeMainRow(newAtime, etime, value, metadata))
			return nil
		})
		if merr != nil {
			return nil, nil, merr
		}
		c.stats.RecordHit(now)
		c.fire(EventGet, key)
		return value, metadata, nil
	}

	c.stats.RecordMiss(now)
	c.fire(EventMiss, key)

	value, metadata, expiryMs, lerr := load()
	if lerr != nil {
		return nil, nil, lerr
	}
	if _, err := c.putLocked(key, value, metadata, expiryMs, now); err != nil {
		return nil, nil, err
	}
	return value, metadata, nil
}

// PutMetadata replaces the metadata for an existing key, which may
// evict other entries if the new metadata is larger. It reports false
// if key is absent.
func (c *Cache) PutMetadata(key string, metadata []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	row, err := c.store.Get(mainKey(key))
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, cacheerr.Wrap(cacheerr.Corrupt, "put_metadata", err)
	}
	_, etime, _, value, _, derr := decodeMainRow(row)
	if derr != nil {
		return false, cacheerr.Wrap(cacheerr.Corrupt, "put_metadata: decode", derr)
	}
	var expiryMs int64
	if c.policy == LRUPlusTTL {
		expiryMs = etime
	}
	return c.putLocked(key, value, metadata, expiryMs, now)
}

// Take returns and deletes the entry under key, counting the removal as
// a hit in the statistics (or a miss if absent).
func (c *Cache) Take(key string) (value, metadata []byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	row, err := c.store.Get(mainKey(key))
	if err == kvstore.ErrNotFound {
		c.stats.RecordMiss(now)
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, cacheerr.Wrap(cacheerr.Corrupt, "take", err)
	}
	atime, etime, size, value, metadata, derr := decodeMainRow(row)
	if derr != nil {
		return nil, nil, false, cacheerr.Wrap(cacheerr.Corrupt, "take: decode", derr)
	}
	err = c.mutate(func(b kvstore.Batch) error {
		b.Delete(mainKey(key))
		b.Delete(atimeIndexKey(atime, key))
		if c.policy == LRUPlusTTL && etime > 0 {
			b.Delete(etimeIndexKey(etime, key))
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	c.stats.SizeChanged(size, -1)
	c.stats.RecordHit(now)
	return value, metadata, true, nil
}

// Invalidate deletes keys without touching hit/miss/eviction
// statistics.
func (c *Cache) Invalidate(keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if err := c.invalidateLocked(key); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateAll deletes every entry in the cache.
func (c *Cache) InvalidateAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	it := c.store.Find([]byte(mainPrefix))
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), []byte(mainPrefix)) {
			break
		}
		keys = append(keys, string(it.Key()[len(mainPrefix):]))
	}
	it.Close()
	for _, key := range keys {
		if err := c.invalidateLocked(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) invalidateLocked(key string) error {
	row, err := c.store.Get(mainKey(key))
	if err == kvstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return cacheerr.Wrap(cacheerr.Corrupt, "invalidate", err)
	}
	atime, etime, size, _, _, derr := decodeMainRow(row)
	if derr != nil {
		return cacheerr.Wrap(cacheerr.Corrupt, "invalidate: decode", derr)
	}
	err = c.mutate(func(b kvstore.Batch) error {
		b.Delete(mainKey(key))
		b.Delete(atimeIndexKey(atime, key))
		if c.policy == LRUPlusTTL && etime > 0 {
			b.Delete(etimeIndexKey(etime, key))
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.stats.SizeChanged(size, -1)
	c.fire(EventInvalidate, key)
	return nil
}

// Touch refreshes atime to now and sets etime to expiryMs (0 clears
// it). It reports false if key is absent.
func (c *Cache) Touch(key string, expiryMs int64) (bool, error) {
	if expiryMs != 0 && c.policy == LRUOnly {
		return false, cacheerr.New(cacheerr.InvalidArg, "expiry set under LRU-only policy")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	row, err := c.store.Get(mainKey(key))
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, cacheerr.Wrap(cacheerr.Corrupt, "touch", err)
	}
	oldAtime, oldEtime, _, value, metadata, derr := decodeMainRow(row)
	if derr != nil {
		return false, cacheerr.Wrap(cacheerr.Corrupt, "touch: decode", derr)
	}
	newAtime := c.nextAtime(now)
	err = c.mutate(func(b kvstore.Batch) error {
		b.Delete(atimeIndexKey(oldAtime, key))
		b.Set(atimeIndexKey(newAtime, key), nil)
		if c.policy == LRUPlusTTL {
			if oldEtime > 0 {
				b.Delete(etimeIndexKey(oldEtime, key))
			}
			if expiryMs > 0 {
				b.Set(etimeIndexKey(expiryMs, key), nil)
			}
		}
		b.Set(mainKey(key), encodeMainRow(newAtime, expiryMs, value, metadata))
		return nil
	})
	if err != nil {
		return false, err
	}
	c.fire(EventTouch, key)
	return true, nil
}

// Size returns the number of entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Snapshot().NumEntries
}

// SizeInBytes returns the total bytes stored across all entries.
func (c *Cache) SizeInBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Snapshot().CacheSize
}

// MaxSizeInBytes returns the configured byte budget.
func (c *Cache) MaxSizeInBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// Resize changes the byte budget, evicting if the new budget is
// smaller than the current size.
func (c *Cache) Resize(newMax int64) error {
	if newMax <= 0 {
		return cacheerr.New(cacheerr.InvalidArg, "max size must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if err := c.store.Set(settingsKey, encodeSettings(newMax, c.policy)); err != nil {
		return err
	}
	c.maxSize = newMax
	c.stats.SetMaxCacheSize(newMax)
	if need := c.stats.Snapshot().CacheSize - newMax; need > 0 {
		return c.evict(need, "", now)
	}
	return nil
}

// TrimTo evicts entries until the cache's size is at most target bytes
// (which may be below the current max budget).
func (c *Cache) TrimTo(target int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if need := c.stats.Snapshot().CacheSize - target; need > 0 {
		return c.evict(need, "", now)
	}
	return nil
}

// ClearStats resets the activity counters (hits, misses, evictions,
// streaks) without touching the stored entries.
func (c *Cache) ClearStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Clear()
}

// Stats returns a point-in-time snapshot of the cache's statistics.
func (c *Cache) Stats() cachestats.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Snapshot()
}

// SetHandler registers cb to fire synchronously, inside the cache's
// lock, whenever an operation in mask occurs. A second call replaces
// the previous registration.
func (c *Cache) SetHandler(mask EventKind, cb Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerMask = mask
	c.handler = cb
}

// Compact rebuilds the underlying store to reclaim space left by
// deleted entries. Stores that do not support wiping are left as-is.
func (c *Cache) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.store.(kvstore.Wiper)
	if !ok {
		return nil
	}

	type row struct {
		key            string
		atime, etime   int64
		value, metadata []byte
	}
	var rows []row
	it := c.store.Find([]byte(mainPrefix))
	for it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, []byte(mainPrefix)) {
			break
		}
		atime, etime, _, value, metadata, err := decodeMainRow(it.Value())
		if err != nil {
			it.Close()
			return cacheerr.Wrap(cacheerr.Corrupt, "compact: decode", err)
		}
		rows = append(rows, row{
			key: string(k[len(mainPrefix):]), atime: atime, etime: etime,
			value: append([]byte(nil), value...), metadata: append([]byte(nil), metadata...),
		})
	}
	it.Close()

	if err := w.Wipe(); err != nil {
		return err
	}
	if err := c.store.Set(settingsKey, encodeSettings(c.maxSize, c.policy)); err != nil {
		return err
	}
	return c.mutate(func(b kvstore.Batch) error {
		for _, r := range rows {
			b.Set(atimeIndexKey(r.atime, r.key), nil)
			if c.policy == LRUPlusTTL && r.etime > 0 {
				b.Set(etimeIndexKey(r.etime, r.key), nil)
			}
			b.Set(mainKey(r.key), encodeMainRow(r.atime, r.etime, r.value, r.metadata))
		}
		return nil
	})
}

// Close releases the underlying store and the cache directory's
// advisory lock.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// closeLocked releases the store and the advisory lock, used both by
// Close and by the constructors' error paths. It collects and returns
// the first error encountered but always attempts every release.
func (c *Cache) closeLocked() error {
	var firstErr error
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			firstErr = err
		}
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.lock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// evict runs the TTL-then-LRU eviction walk, freeing at least need
// bytes while never touching skipKey (the entry currently being
// written, if any).
func (c *Cache) evict(need int64, skipKey string, now time.Time) error {
	nowMs := now.UnixMilli()

	if c.policy == LRUPlusTTL {
		var expired []string
		it := c.store.Find([]byte(etimePrefix))
		for it.Next() {
			k := it.Key()
			if !bytes.HasPrefix(k, []byte(etimePrefix)) {
				break
			}
			etimeMs := int64(binary.BigEndian.Uint64(k[len(etimePrefix):]))
			if etimeMs > nowMs {
				break
			}
			key := string(k[len(etimePrefix)+8:])
			if key == skipKey {
				continue
			}
			expired = append(expired, key)
		}
		it.Close()
		for _, key := range expired {
			freed, err := c.removeEntry(key)
			if err != nil {
				return err
			}
			need -= freed
			c.stats.RecordEvictTTL()
			c.fire(EventEvictTTL, key)
		}
	}

	if need <= 0 {
		return nil
	}

	var lru []string
	it := c.store.Find([]byte(atimePrefix))
	for it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, []byte(atimePrefix)) {
			break
		}
		key := string(k[len(atimePrefix)+8:])
		if key != skipKey {
			lru = append(lru, key)
		}
	}
	it.Close()

	for _, key := range lru {
		if need <= 0 {
			break
		}
		freed, err := c.removeEntry(key)
		if err != nil {
			return err
		}
		need -= freed
		c.stats.RecordEvictLRU()
		c.fire(EventEvictLRU, key)
	}
	return nil
}

// removeEntry deletes key's main row and index rows in one batch and
// returns its size.
func (c *Cache) removeEntry(key string) (int64, error) {
	row, err := c.store.Get(mainKey(key))
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.Corrupt, "evict", err)
	}
	atime, etime, size, _, _, derr := decodeMainRow(row)
	if derr != nil {
		return 0, cacheerr.Wrap(cacheerr.Corrupt, "evict: decode", derr)
	}
	err = c.mutate(func(b kvstore.Batch) error {
		b.Delete(mainKey(key))
		b.Delete(atimeIndexKey(atime, key))
		if c.policy == LRUPlusTTL && etime > 0 {
			b.Delete(etimeIndexKey(etime, key))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.stats.SizeChanged(size, -1)
	return size, nil
}

func mainKey(key string) []byte {
	return append([]byte(mainPrefix), key...)
}

func atimeIndexKey(atimeMs int64, key string) []byte {
	buf := make([]byte, len(atimePrefix)+8+len(key))
	copy(buf, atimePrefix)
	binary.BigEndian.PutUint64(buf[len(atimePrefix):], uint64(atimeMs))
	copy(buf[len(atimePrefix)+8:], key)
	return buf
}

func etimeIndexKey(etimeMs int64, key string) []byte {
	buf := make([]byte, len(etimePrefix)+8+len(key))
	copy(buf, etimePrefix)
	binary.BigEndian.PutUint64(buf[len(etimePrefix):], uint64(etimeMs))
	copy(buf[len(etimePrefix)+8:], key)
	return buf
}

func encodeSettings(maxSize int64, policy Policy) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf, uint64(maxSize))
	buf[8] = byte(policy)
	return buf
}

func decodeSettings(b []byte) (int64, Policy, error) {
	if len(b) != 9 {
		return 0, 0, cacheerr.New(cacheerr.Corrupt, "malformed settings record")
	}
	return int64(binary.BigEndian.Uint64(b)), Policy(b[8]), nil
}

// encodeMainRow serializes a main-row record: the fixed atime/etime/size
// header from cachecodec, followed by length-prefixed value and
// metadata blobs.
func encodeMainRow(atime, etime int64, value, metadata []byte) []byte {
	header := cachecodec.Encode(atime, etime, int64(len(value)+len(metadata)))
	buf := make([]byte, 0, len(header)+8+len(value)+8+len(metadata))
	buf = append(buf, header...)
	buf = appendUint64(buf, uint64(len(value)))
	buf = append(buf, value...)
	buf = appendUint64(buf, uint64(len(metadata)))
	buf = append(buf, metadata...)
	return buf
}

func decodeMainRow(b []byte) (atime, etime, size int64, value, metadata []byte, err error) {
	if len(b) < cachecodec.RecordLen+8 {
		return 0, 0, 0, nil, nil, cacheerr.New(cacheerr.Corrupt, "main row too short")
	}
	atime, etime, size, err = cachecodec.Decode(b[:cachecodec.RecordLen])
	if err != nil {
		return 0, 0, 0, nil, nil, err
	}
	rest := b[cachecodec.RecordLen:]
	if len(rest) < 8 {
		return 0, 0, 0, nil, nil, cacheerr.New(cacheerr.Corrupt, "main row missing value length")
	}
	vlen := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	if uint64(len(rest)) < vlen+8 {
		return 0, 0, 0, nil, nil, cacheerr.New(cacheerr.Corrupt, "main row truncated value")
	}
	value = rest[:vlen]
	rest = rest[vlen:]
	mlen := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	if uint64(len(rest)) != mlen {
		return 0, 0, 0, nil, nil, cacheerr.New(cacheerr.Corrupt, "main row truncated metadata")
	}
	metadata = rest
	return atime, etime, size, value, metadata, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
