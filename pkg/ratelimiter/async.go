package ratelimiter

import "sync"

// Async adapts a Limiter, which is only safe to drive from a single
// cooperative event-loop goroutine, for callers that schedule work
// from many goroutines at once (one per in-flight thumbnail request,
// in this module, rather than a single reactor loop as in the
// original C++). All Limiter state transitions happen under a mutex;
// the submitted work itself always runs in its own goroutine, never
// while that mutex is held.
type Async struct {
	mu sync.Mutex
	l  *Limiter
}

// NewAsync returns an Async allowing up to concurrency submissions to
// run at once. A concurrency of 0 means unbounded.
func NewAsync(concurrency int) *Async {
	return &Async{l: New(concurrency)}
}

// Run submits work to run under the concurrency limit, in its own
// goroutine, and returns a CancelFunc that drops it if it is still
// queued when called.
func (a *Async) Run(work func()) CancelFunc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.l.Schedule(func() {
		go func() {
			work()
			a.mu.Lock()
			a.l.Done()
			a.mu.Unlock()
		}()
	})
}

// Running returns the number of submissions currently occupying a
// concurrency slot.
func (a *Async) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.l.Running()
}

// Queued returns the number of submissions currently waiting.
func (a *Async) Queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.l.Queued()
}
