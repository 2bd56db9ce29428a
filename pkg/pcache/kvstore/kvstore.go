// Package kvstore defines the ordered, byte-oriented key/value interface
// that pcache is built on, along with two implementations: fsstore (the
// production backend, on top of modernc.org/kv) and memstore (an
// in-memory implementation for tests). The split mirrors the teacher's
// pkg/sorted package, which defines a KeyValue interface with a
// modernc.org/kv-family backend (pkg/sorted/kvfile) and an in-memory one
// (pkg/sorted/mem.go) for tests.
package kvstore

import "errors"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kvstore: key not found")

var errInvalidBatch = errors.New("kvstore: batch not created by this store's BeginBatch")

// Store is a sorted, enumerable, crash-safe key/value store supporting
// batched mutations. Keys sort lexicographically by byte value.
type Store interface {
	// Get returns the value for key, or ErrNotFound if absent.
	Get(key []byte) ([]byte, error)

	Set(key, value []byte) error
	Delete(key []byte) error

	// Find returns an iterator positioned before the first key/value
	// pair whose key is >= start. There may be no such pair, in which
	// case Next returns false immediately.
	Find(start []byte) Iterator

	BeginBatch() Batch
	CommitBatch(Batch) error

	Close() error
}

// Iterator iterates over a Store's key/value pairs in key order. It must
// be closed after use.
type Iterator interface {
	// Next advances to the next pair, returning false once exhausted
	// or on error (Close reports the error, if any).
	Next() bool
	Key() []byte
	Value() []byte
	Close() error
}

// Batch accumulates mutations for atomic application via CommitBatch.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
}

// Wiper is implemented by stores that can discard their entire contents
// and start over, used by pcache's Compact to drop tombstones and
// reclaim space.
type Wiper interface {
	Wipe() error
}

type mutation struct {
	key    []byte
	value  []byte
	delete bool
}

// simpleBatch is a Batch implementation shared by both backends: it just
// records mutations in order for the backend to apply transactionally.
type simpleBatch struct {
	muts []mutation
}

func NewBatch() Batch { return &simpleBatch{} }

func (b *simpleBatch) Set(key, value []byte) {
	b.muts = append(b.muts, mutation{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *simpleBatch) Delete(key []byte) {
	b.muts = append(b.muts, mutation{key: append([]byte(nil), key...), delete: true})
}

func (b *simpleBatch) Mutations() []mutation { return b.muts }
