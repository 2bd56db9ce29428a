package pcache

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID extracts the calling goroutine's id from its stack trace
// header ("goroutine 123 [running]:"). It is only ever used to decide
// whether the current goroutine already owns recursiveMutex — Go has
// no first-class goroutine-local storage, so this is the ground truth
// every other approach (context values, explicit tokens) would have to
// be threaded through call sites that do not otherwise need it.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic("pcache: cannot parse goroutine id: " + err.Error())
	}
	return id
}

// recursiveMutex lets the owning goroutine re-enter Lock without
// deadlocking, so a PersistentCache event handler invoked synchronously
// from inside the lock can call back into the cache. Go's sync.Mutex is
// intentionally not reentrant; this wraps one with an owner check.
type recursiveMutex struct {
	mu    sync.Mutex
	owner int64
	count int
}

func (m *recursiveMutex) Lock() {
	gid := goroutineID()
	if m.owner == gid && m.count > 0 {
		m.count++
		return
	}
	m.mu.Lock()
	m.owner = gid
	m.count = 1
}

func (m *recursiveMutex) Unlock() {
	gid := goroutineID()
	if m.owner != gid || m.count == 0 {
		panic("pcache: Unlock called by goroutine that does not hold the lock")
	}
	m.count--
	if m.count == 0 {
		m.owner = 0
		m.mu.Unlock()
	}
}
