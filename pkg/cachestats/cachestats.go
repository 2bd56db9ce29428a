/*
Copyright 2013 The Camlistore AUTHORS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cachestats tracks running counters and a size histogram for a
// PersistentCache instance. The shape follows pkg/blobserver/stats.Receiver
// (a mutex-guarded struct reached only through accessor methods), extended
// with hit/miss streak tracking and a fixed-bucket byte-size histogram.
package cachestats

import (
	"sync"
	"time"
)

// NumBins is the number of buckets in the size Histogram.
const NumBins = 74

// binIndex maps a byte length onto the decade-log histogram used by
// Histogram: bin 0 covers 1..9 bytes, bins 1..9 cover 10..99 (one bin per
// leading digit), bins 10..18 cover 100..999, and so on, with bin 73
// catching everything at or above 10^9. Sizes below 1 fall into bin 0
// along with the rest of the first decade: the histogram exists to show
// the shape of the size distribution, not to account for every byte.
func binIndex(size int64) int {
	if size < 10 {
		return 0
	}
	if size >= 1_000_000_000 {
		return NumBins - 1
	}
	decade := 0
	n := size
	for n >= 10 {
		n /= 10
		decade++
	}
	return 1 + 9*(decade-1) + int(n-1)
}

// Histogram is a fixed 74-bin size histogram, indexed by binIndex.
type Histogram [NumBins]uint64

type runState int

const (
	stateFresh runState = iota
	stateLastWasHit
	stateLastWasMiss
)

// Stats is a thread-safe, mutable live view of a cache's statistics.
// Callers inside the same process hold and mutate the live Stats
// directly; callers wanting a point-in-time copy (e.g. to hand outside
// the cache's lock scope) should call Snapshot, which returns an owned,
// read-only value that will never change underneath them.
type Stats struct {
	mu sync.Mutex

	hits, misses               uint64
	ttlEvictions, lruEvictions uint64

	state               runState
	hitsSinceLastMiss   uint64
	missesSinceLastHit  uint64
	longestHitRun       uint64
	longestMissRun      uint64
	mostRecentHitTime   time.Time
	mostRecentMissTime  time.Time
	longestHitRunTime   time.Time
	longestMissRunTime  time.Time

	// Structural fields: survive Clear.
	numEntries   int64
	cacheSize    int64
	maxCacheSize int64
	hist         Histogram
}

// New returns an empty Stats with the given structural max size.
func New(maxCacheSize int64) *Stats {
	return &Stats{maxCacheSize: maxCacheSize}
}

// RecordHit records a cache hit occurring at time now and updates the
// hit/miss streak state.
func (s *Stats) RecordHit(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	s.mostRecentHitTime = now
	s.missesSinceLastHit = 0
	if s.state != stateLastWasHit {
		s.hitsSinceLastMiss = 0
		s.state = stateLastWasHit
	}
	s.hitsSinceLastMiss++
	if s.hitsSinceLastMiss > s.longestHitRun {
		s.longestHitRun = s.hitsSinceLastMiss
		s.longestHitRunTime = now
	}
}

// RecordMiss records a cache miss occurring at time now and updates the
// hit/miss streak state.
func (s *Stats) RecordMiss(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses++
	s.mostRecentMissTime = now
	s.hitsSinceLastMiss = 0
	if s.state != stateLastWasMiss {
		s.missesSinceLastHit = 0
		s.state = stateLastWasMiss
	}
	s.missesSinceLastHit++
	if s.missesSinceLastHit > s.longestMissRun {
		s.longestMissRun = s.missesSinceLastHit
		s.longestMissRunTime = now
	}
}

// RecordEvictTTL records one entry evicted by the TTL index walk.
func (s *Stats) RecordEvictTTL() {
	s.mu.Lock()
	s.ttlEvictions++
	s.mu.Unlock()
}

// RecordEvictLRU records one entry evicted by the LRU index walk.
func (s *Stats) RecordEvictLRU() {
	s.mu.Lock()
	s.lruEvictions++
	s.mu.Unlock()
}

// SizeChanged adjusts the histogram for an entry whose size changed
// from oldSize to newSize. Pass oldSize < 0 for a brand new entry (no
// bin to remove) and newSize < 0 for a removed entry (no bin to add).
func (s *Stats) SizeChanged(oldSize, newSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if oldSize >= 0 {
		s.hist[binIndex(oldSize)]--
		s.cacheSize -= oldSize
		s.numEntries--
	}
	if newSize >= 0 {
		s.hist[binIndex(newSize)]++
		s.cacheSize += newSize
		s.numEntries++
	}
}

// SetMaxCacheSize updates the structural max-size field (e.g. after a
// Resize call on the owning cache).
func (s *Stats) SetMaxCacheSize(n int64) {
	s.mu.Lock()
	s.maxCacheSize = n
	s.mu.Unlock()
}

// Clear resets all run/time counters (hits, misses, evictions, streaks,
// timestamps) but leaves the structural fields — num entries, cache
// size, max cache size, and the histogram — untouched, since those
// reflect what is actually on disk rather than activity history.
func (s *Stats) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits, s.misses = 0, 0
	s.ttlEvictions, s.lruEvictions = 0, 0
	s.state = stateFresh
	s.hitsSinceLastMiss, s.missesSinceLastHit = 0, 0
	s.longestHitRun, s.longestMissRun = 0, 0
	s.mostRecentHitTime, s.mostRecentMissTime = time.Time{}, time.Time{}
	s.longestHitRunTime, s.longestMissRunTime = time.Time{}, time.Time{}
}

// Snapshot is an owned, immutable copy of a Stats at a point in time.
type Snapshot struct {
	Hits, Misses               uint64
	TTLEvictions, LRUEvictions uint64
	HitsSinceLastMiss          uint64
	MissesSinceLastHit         uint64
	LongestHitRun              uint64
	LongestMissRun             uint64
	MostRecentHitTime          time.Time
	MostRecentMissTime         time.Time
	LongestHitRunTime          time.Time
	LongestMissRunTime         time.Time
	NumEntries                 int64
	CacheSize                  int64
	MaxCacheSize               int64
	Histogram                  Histogram
}

// Snapshot returns an owned copy of the current statistics, safe to
// keep and inspect after the originating cache has moved on.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Hits:                s.hits,
		Misses:              s.misses,
		TTLEvictions:        s.ttlEvictions,
		LRUEvictions:        s.lruEvictions,
		HitsSinceLastMiss:   s.hitsSinceLastMiss,
		MissesSinceLastHit:  s.missesSinceLastHit,
		LongestHitRun:       s.longestHitRun,
		LongestMissRun:      s.longestMissRun,
		MostRecentHitTime:   s.mostRecentHitTime,
		MostRecentMissTime:  s.mostRecentMissTime,
		LongestHitRunTime:   s.longestHitRunTime,
		LongestMissRunTime:  s.longestMissRunTime,
		NumEntries:          s.numEntries,
		CacheSize:           s.cacheSize,
		MaxCacheSize:        s.maxCacheSize,
		Histogram:           s.hist,
	}
}
