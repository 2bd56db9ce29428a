package pcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dormouse-cache/thumbnailer/pkg/cacheerr"
)

func newTestCache(t *testing.T, maxSize int64, policy Policy) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.kv")
	c, err := Create(path, maxSize, policy)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 1024, LRUOnly)
	ok, err := c.Put("k1", []byte("hello"), []byte("meta"), 0)
	if err != nil || !ok {
		t.Fatalf("Put: ok=%v err=%v", ok, err)
	}
	value, metadata, hit, err := c.Get("k1")
	if err != nil || !hit {
		t.Fatalf("Get: hit=%v err=%v", hit, err)
	}
	if string(value) != "hello" || string(metadata) != "meta" {
		t.Fatalf("Get returned %q / %q", value, metadata)
	}
	if _, _, hit, _ := c.Get("missing"); hit {
		t.Fatal("Get(missing) reported a hit")
	}
	snap := c.Stats()
	if snap.Hits != 1 || snap.Misses != 1 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestPutRejectsOversizedEntry(t *testing.T) {
	c := newTestCache(t, 4, LRUOnly)
	ok, err := c.Put("k1", []byte("toobig"), nil, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok {
		t.Fatal("Put of an oversized entry should be refused, not stored")
	}
}

func TestPutEvictsLRU(t *testing.T) {
	c := newTestCache(t, 10, LRUOnly)
	mustPut := func(key, value string) {
		t.Helper()
		ok, err := c.Put(key, []byte(value), nil, 0)
		if err != nil || !ok {
			t.Fatalf("Put(%s): ok=%v err=%v", key, ok, err)
		}
	}
	mustPut("a", "12345") // 5 bytes
	mustPut("b", "12345") // 5 bytes, cache now full at 10
	if _, _, hit, _ := c.Get("a"); !hit {
		t.Fatal("a should still be present")
	}
	mustPut("c", "12345") // must evict b (a was touched more recently by the Get above)
	if _, _, hit, _ := c.Get("b"); hit {
		t.Fatal("b should have been evicted")
	}
	if _, _, hit, _ := c.Get("a"); !hit {
		t.Fatal("a should have survived eviction")
	}
	if _, _, hit, _ := c.Get("c"); !hit {
		t.Fatal("c should be present")
	}
}

func TestTouchAndInvalidate(t *testing.T) {
	c := newTestCache(t, 1024, LRUPlusTTL)
	if _, err := c.Put("k1", []byte("v"), nil, 0); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Touch("k1", 9999999999999)
	if err != nil || !ok {
		t.Fatalf("Touch: ok=%v err=%v", ok, err)
	}
	if err := c.Invalidate("k1"); err != nil {
		t.Fatal(err)
	}
	if _, _, hit, _ := c.Get("k1"); hit {
		t.Fatal("k1 should be gone after Invalidate")
	}
}

func TestGetExpiresEntryPastTTLEvenUnderBudget(t *testing.T) {
	c := newTestCache(t, 1<<20, LRUPlusTTL)
	past := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := c.Put("k1", []byte("v"), nil, past); err != nil {
		t.Fatal(err)
	}

	var evicted []string
	c.SetHandler(EventEvictTTL, func(kind EventKind, key string) { evicted = append(evicted, key) })

	if _, _, hit, err := c.Get("k1"); err != nil || hit {
		t.Fatalf("hit=%v err=%v, want a miss for an expired entry well under budget", hit, err)
	}
	if len(evicted) != 1 || evicted[0] != "k1" {
		t.Fatalf("evicted = %v, want [k1]", evicted)
	}
	if present, _ := c.ContainsKey("k1"); present {
		t.Fatal("expired entry should have been removed from the store, not just reported as a miss")
	}
}

func TestTouchRejectsExpiryUnderLRUOnly(t *testing.T) {
	c := newTestCache(t, 1024, LRUOnly)
	if _, err := c.Put("k1", []byte("v"), nil, 0); err != nil {
		t.Fatal(err)
	}
	_, err := c.Touch("k1", 123)
	if !cacheerr.Is(err, cacheerr.InvalidArg) {
		t.Fatalf("Touch with expiry under LRUOnly: %v, want InvalidArg", err)
	}
}

func TestTakeRemovesEntry(t *testing.T) {
	c := newTestCache(t, 1024, LRUOnly)
	c.Put("k1", []byte("v"), []byte("m"), 0)
	value, metadata, ok, err := c.Take("k1")
	if err != nil || !ok || string(value) != "v" || string(metadata) != "m" {
		t.Fatalf("Take: value=%q metadata=%q ok=%v err=%v", value, metadata, ok, err)
	}
	if _, _, hit, _ := c.Get("k1"); hit {
		t.Fatal("k1 should be gone after Take")
	}
}

func TestGetOrPutCoalescesUnderLock(t *testing.T) {
	c := newTestCache(t, 1024, LRUOnly)
	calls := 0
	load := func() ([]byte, []byte, int64, error) {
		calls++
		return []byte("computed"), nil, 0, nil
	}
	v1, _, err := c.GetOrPut("k1", load)
	if err != nil {
		t.Fatal(err)
	}
	v2, _, err := c.GetOrPut("k1", load)
	if err != nil {
		t.Fatal(err)
	}
	if string(v1) != "computed" || string(v2) != "computed" {
		t.Fatalf("values = %q, %q", v1, v2)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}
}

func TestResizeEvictsToFit(t *testing.T) {
	c := newTestCache(t, 100, LRUOnly)
	c.Put("a", []byte("12345"), nil, 0)
	c.Put("b", []byte("12345"), nil, 0)
	if err := c.Resize(5); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if c.SizeInBytes() > 5 {
		t.Fatalf("SizeInBytes = %d, want <= 5", c.SizeInBytes())
	}
}

func TestResizeRejectsNonPositive(t *testing.T) {
	c := newTestCache(t, 100, LRUOnly)
	if err := c.Resize(0); !cacheerr.Is(err, cacheerr.InvalidArg) {
		t.Fatalf("Resize(0) = %v, want InvalidArg", err)
	}
}

func TestCompactPreservesData(t *testing.T) {
	c := newTestCache(t, 1024, LRUOnly)
	c.Put("a", []byte("1"), nil, 0)
	c.Put("b", []byte("2"), nil, 0)
	c.Take("a")
	if err := c.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if _, _, hit, _ := c.Get("b"); !hit {
		t.Fatal("b should survive Compact")
	}
	if _, _, hit, _ := c.Get("a"); hit {
		t.Fatal("a should remain absent after Compact")
	}
}

func TestSetHandlerFiresSynchronously(t *testing.T) {
	c := newTestCache(t, 1024, LRUOnly)
	var events []EventKind
	c.SetHandler(EventPut|EventMiss|EventGet, func(kind EventKind, key string) {
		events = append(events, kind)
	})
	c.Get("missing")
	c.Put("k1", []byte("v"), nil, 0)
	c.Get("k1")
	if len(events) != 3 {
		t.Fatalf("events = %v, want 3 entries", events)
	}
}

func TestCreateRejectsMismatchedMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.kv")
	c, err := Create(path, 100, LRUOnly)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	_, err = Create(path, 200, LRUOnly)
	if !cacheerr.Is(err, cacheerr.LogicError) {
		t.Fatalf("reopen with different max size = %v, want LogicError", err)
	}
}

func TestOpenExistingRequiresPriorCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.kv")
	_, err := OpenExisting(path)
	if !cacheerr.Is(err, cacheerr.NotFound) {
		t.Fatalf("OpenExisting on fresh path = %v, want NotFound", err)
	}
}

func TestCreateWaitsForAdvisoryLockThenSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.kv")
	c1, err := Create(path, 1024, LRUOnly)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		c1.Close()
	}()

	start := time.Now()
	c2, err := Create(path, 1024, LRUOnly)
	if err != nil {
		t.Fatalf("Create should wait for c1's lock release, got: %v", err)
	}
	defer c2.Close()
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Create returned before c1 released its lock: %v", elapsed)
	}
}

func TestReopenAfterCleanCloseKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.kv")
	c, err := Create(path, 1024, LRUOnly)
	if err != nil {
		t.Fatal(err)
	}
	c.Put("k1", []byte("v"), nil, 0)
	c.Close()

	c2, err := OpenExisting(path)
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	defer c2.Close()
	if _, _, hit, _ := c2.Get("k1"); !hit {
		t.Fatal("k1 should survive a clean close/reopen")
	}
}
