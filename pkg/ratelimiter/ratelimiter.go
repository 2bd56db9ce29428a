// Package ratelimiter bounds the concurrency of asynchronous jobs
// submitted from a single cooperative event loop. It is a direct
// translation of include/ratelimiter.h from the original
// implementation this module is derived from: no internal locking,
// because it is only ever driven from the owning goroutine's loop.
package ratelimiter

// CancelFunc cancels a still-queued job. Calling it on a job that has
// already started (or already been cancelled) has no effect.
type CancelFunc func()

type job struct {
	fn        func()
	tombstone bool
}

// Limiter controls how many jobs may run concurrently. A concurrency
// of 0 means unbounded: every job runs immediately on the calling
// goroutine, matching the "0 means unbounded, run on caller"
// convention used to configure the extractor and downloader limiters.
type Limiter struct {
	concurrency int
	running     int
	queue       []*job
}

// New returns a Limiter allowing up to concurrency jobs to run at once.
func New(concurrency int) *Limiter {
	return &Limiter{concurrency: concurrency}
}

// Schedule runs fn immediately if the concurrency limit has not been
// reached, otherwise queues it. The caller must call Done exactly once
// for every fn that actually ran (the returned CancelFunc only affects
// a fn still sitting in the queue). Schedule and Done must only be
// called from the loop goroutine that owns this Limiter.
func (l *Limiter) Schedule(fn func()) CancelFunc {
	if l.concurrency <= 0 {
		l.running++
		fn()
		return func() {}
	}
	if l.running < l.concurrency {
		l.running++
		fn()
		return func() {}
	}
	j := &job{fn: fn}
	l.queue = append(l.queue, j)
	return func() {
		j.tombstone = true
	}
}

// Done is called by the owner of a job that Schedule ran, once that
// job completes. It starts the next live job at the front of the
// queue, if any, discarding tombstoned entries ahead of it.
func (l *Limiter) Done() {
	if l.concurrency <= 0 {
		l.running--
		return
	}
	for len(l.queue) > 0 {
		j := l.queue[0]
		l.queue = l.queue[1:]
		if j.tombstone {
			continue
		}
		j.fn()
		return
	}
	l.running--
}

// Running returns the number of jobs currently occupying a concurrency
// slot: started and not yet reported Done. Queued jobs are not counted.
func (l *Limiter) Running() int {
	return l.running
}

// Queued returns the number of jobs currently waiting, including any
// tombstoned entries not yet scanned past.
func (l *Limiter) Queued() int {
	return len(l.queue)
}
