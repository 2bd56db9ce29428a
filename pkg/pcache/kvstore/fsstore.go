/*
Copyright 2013 The Camlistore Authors.

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

package kvstore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"modernc.org/kv"
)

// OpenFS opens (creating if necessary) a Store backed by a single
// modernc.org/kv database file on disk, the same store the teacher uses
// in pkg/sorted/kvfile for its on-disk sorted.KeyValue implementation.
func OpenFS(path string) (Store, error) {
	createOrOpen := kv.Open
	if _, err := os.Stat(path); os.IsNotExist(err) {
		createOrOpen = kv.Create
	}
	opts := &kv.Options{}
	db, err := createOrOpen(path, opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %s: %w", path, err)
	}
	return &fsStore{path: path, db: db, opts: opts}, nil
}

type fsStore struct {
	path string
	db   *kv.DB
	opts *kv.Options
	txmu sync.Mutex
}

func (s *fsStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(nil, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *fsStore) Set(key, value []byte) error {
	return s.db.Set(key, value)
}

func (s *fsStore) Delete(key []byte) error {
	return s.db.Delete(key)
}

func (s *fsStore) Find(start []byte) Iterator {
	it := &fsIter{db: s.db}
	it.enum, _, it.err = s.db.Seek(start)
	return it
}

func (s *fsStore) BeginBatch() Batch { return NewBatch() }

func (s *fsStore) CommitBatch(b Batch) error {
	sb, ok := b.(*simpleBatch)
	if !ok {
		return errInvalidBatch
	}
	s.txmu.Lock()
	defer s.txmu.Unlock()

	ok = false
	defer func() {
		if !ok {
			s.db.Rollback()
		}
	}()

	if err := s.db.BeginTransaction(); err != nil {
		return err
	}
	for _, mu := range sb.muts {
		if mu.delete {
			if err := s.db.Delete(mu.key); err != nil {
				return err
			}
			continue
		}
		if err := s.db.Set(mu.key, mu.value); err != nil {
			return err
		}
	}
	ok = true
	return s.db.Commit()
}

// Wipe discards the store contents entirely and recreates an empty
// database file in place, used by pcache's Compact to drop deleted
// entries and reclaim space.
func (s *fsStore) Wipe() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	db, err := kv.Create(s.path, s.opts)
	if err != nil {
		return fmt.Errorf("kvstore: recreating %s: %w", s.path, err)
	}
	s.db = db
	return nil
}

func (s *fsStore) Close() error {
	return s.db.Close()
}

type fsIter struct {
	db   *kv.DB
	enum *kv.Enumerator
	key, value []byte
	err  error
	done bool
}

func (it *fsIter) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	k, v, err := it.enum.Next()
	if err == io.EOF {
		it.done = true
		return false
	}
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.key, it.value = k, v
	return true
}

func (it *fsIter) Key() []byte   { return it.key }
func (it *fsIter) Value() []byte { return it.value }
func (it *fsIter) Close() error  { return it.err }
