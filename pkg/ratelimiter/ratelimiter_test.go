package ratelimiter

import "testing"

func TestRunsImmediatelyUnderLimit(t *testing.T) {
	l := New(2)
	ran := false
	l.Schedule(func() { ran = true })
	if !ran {
		t.Fatal("job should have run immediately")
	}
	if l.Running() != 1 {
		t.Fatalf("Running() = %d, want 1", l.Running())
	}
}

func TestQueuesBeyondLimit(t *testing.T) {
	l := New(1)
	var order []int
	l.Schedule(func() { order = append(order, 1) })
	l.Schedule(func() { order = append(order, 2) })
	if len(order) != 1 {
		t.Fatalf("second job should not have run yet: %v", order)
	}
	l.Done()
	if len(order) != 2 || order[1] != 2 {
		t.Fatalf("Done should start the queued job in order: %v", order)
	}
}

func TestCancelSkipsTombstonedJob(t *testing.T) {
	l := New(1)
	var order []int
	l.Schedule(func() { order = append(order, 1) })
	cancel := l.Schedule(func() { order = append(order, 2) })
	l.Schedule(func() { order = append(order, 3) })
	cancel()
	l.Done()
	if len(order) != 2 || order[1] != 3 {
		t.Fatalf("job 2 should have been skipped: %v", order)
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	l := New(1)
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		l.Schedule(func() { order = append(order, i) })
	}
	l.Done()
	l.Done()
	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 entries", order)
	}
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("order = %v, not submission order", order)
		}
	}
}

func TestUnboundedRunsOnCaller(t *testing.T) {
	l := New(0)
	ran := false
	cancel := l.Schedule(func() { ran = true })
	if !ran {
		t.Fatal("unbounded limiter should run the job immediately")
	}
	cancel() // no-op, must not panic
	l.Done()
	if l.Running() != 0 {
		t.Fatalf("Running() = %d after Done, want 0", l.Running())
	}
}
