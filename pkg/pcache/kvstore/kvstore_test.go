package kvstore

import (
	"path/filepath"
	"testing"
)

func testStoreBasics(t *testing.T, s Store) {
	t.Helper()
	defer s.Close()

	if _, err := s.Get([]byte("missing")); err != ErrNotFound {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := s.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get([]byte("a"))
	if err != nil || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v", v, err)
	}

	b := s.BeginBatch()
	b.Set([]byte("c"), []byte("3"))
	b.Delete([]byte("a"))
	if err := s.CommitBatch(b); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get([]byte("a")); err != ErrNotFound {
		t.Fatalf("Get(a) after batch delete = %v, want ErrNotFound", err)
	}

	it := s.Find([]byte(""))
	defer it.Close()
	var got []string
	for it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	want := []string{"b=2", "c=3"}
	if len(got) != len(want) {
		t.Fatalf("iteration = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("iteration[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMemStoreBasics(t *testing.T) {
	testStoreBasics(t, NewMemStore())
}

func TestFSStoreBasics(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFS(filepath.Join(dir, "test.kv"))
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	testStoreBasics(t, s)
}

func TestFSStoreWipe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.kv")
	s, err := OpenFS(path)
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	defer s.Close()
	if err := s.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	fs := s.(*fsStore)
	if err := fs.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if _, err := s.Get([]byte("a")); err != ErrNotFound {
		t.Fatalf("Get(a) after wipe = %v, want ErrNotFound", err)
	}
}
