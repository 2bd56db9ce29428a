package kvstore

import (
	"sort"
	"sync"
)

// NewMemStore returns a Store backed only by memory, for tests and
// development — mirroring pkg/sorted.NewMemoryKeyValue's stated purpose
// in the teacher codebase.
func NewMemStore() Store {
	return &memStore{data: map[string][]byte{}}
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	keys []string // kept sorted
}

func (m *memStore) insertKey(k string) {
	i := sort.SearchStrings(m.keys, k)
	if i < len(m.keys) && m.keys[i] == k {
		return
	}
	m.keys = append(m.keys, "")
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = k
}

func (m *memStore) removeKey(k string) {
	i := sort.SearchStrings(m.keys, k)
	if i < len(m.keys) && m.keys[i] == k {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
}

func (m *memStore) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	if _, ok := m.data[k]; !ok {
		m.insertKey(k)
	}
	m.data[k] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	if _, ok := m.data[k]; ok {
		delete(m.data, k)
		m.removeKey(k)
	}
	return nil
}

func (m *memStore) Find(start []byte) Iterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.SearchStrings(m.keys, string(start))
	keys := append([]string(nil), m.keys[i:]...)
	return &memIter{store: m, keys: keys, pos: -1}
}

func (m *memStore) BeginBatch() Batch { return NewBatch() }

func (m *memStore) CommitBatch(b Batch) error {
	sb, ok := b.(*simpleBatch)
	if !ok {
		return errInvalidBatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mu := range sb.muts {
		k := string(mu.key)
		if mu.delete {
			if _, ok := m.data[k]; ok {
				delete(m.data, k)
				m.removeKey(k)
			}
			continue
		}
		if _, ok := m.data[k]; !ok {
			m.insertKey(k)
		}
		m.data[k] = append([]byte(nil), mu.value...)
	}
	return nil
}

func (m *memStore) Close() error { return nil }

// Wipe discards all entries, implementing Wiper.
func (m *memStore) Wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string][]byte{}
	m.keys = nil
	return nil
}

type memIter struct {
	store *memStore
	keys  []string
	pos   int
	key   []byte
	value []byte
}

func (it *memIter) Next() bool {
	it.pos++
	if it.pos >= len(it.keys) {
		return false
	}
	k := it.keys[it.pos]
	it.store.mu.Lock()
	v, ok := it.store.data[k]
	it.store.mu.Unlock()
	if !ok {
		// Deleted since Find; skip forward.
		return it.Next()
	}
	it.key = []byte(k)
	it.value = append([]byte(nil), v...)
	return true
}

func (it *memIter) Key() []byte   { return it.key }
func (it *memIter) Value() []byte { return it.value }
func (it *memIter) Close() error  { return nil }
