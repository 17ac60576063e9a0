package feature

import (
	"testing"
	"time"
)

func newFakeClockLimiter(start time.Time) (*RateLimiter, *time.Time) {
	clock := start
	r := NewRateLimiter()
	r.now = func() time.Time { return clock }
	return r, &clock
}

func TestRateLimiter_AllowsBudget(t *testing.T) {
	r, _ := newFakeClockLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < RateLimitBudget; i++ {
		if _, ok := r.Check(); !ok {
			t.Fatalf("call %d unexpectedly limited", i+1)
		}
		r.Record()
	}

	if _, ok := r.Check(); ok {
		t.Error("expected limit after budget exhausted")
	}
}

func TestRateLimiter_WaitUntilOldestExpires(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, clock := newFakeClockLimiter(start)

	for i := 0; i < RateLimitBudget; i++ {
		r.Record()
		*clock = clock.Add(time.Minute)
	}

	// Clock is now start+3m; the oldest entry (start) expires at
	// start+5m.
	wait, ok := r.Check()
	if ok {
		t.Fatal("expected limited")
	}
	if wait != 2*time.Minute {
		t.Errorf("expected 2m wait, got %v", wait)
	}

	*clock = clock.Add(2 * time.Minute)
	if _, ok := r.Check(); !ok {
		t.Error("expected budget after oldest entry left the window")
	}
}

func TestRateLimiter_SlidingWindowPrunes(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, clock := newFakeClockLimiter(start)

	r.Record()
	r.Record()
	*clock = clock.Add(RateLimitWindow + time.Second)
	r.Record()

	// Only the third entry remains in the window.
	if _, ok := r.Check(); !ok {
		t.Error("expected stale entries to be pruned")
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	r, _ := newFakeClockLimiter(time.Now())
	for i := 0; i < RateLimitBudget; i++ {
		r.Record()
	}
	if _, ok := r.Check(); ok {
		t.Fatal("expected limited before reset")
	}

	r.Reset()
	if _, ok := r.Check(); !ok {
		t.Error("expected full budget after reset")
	}
}
