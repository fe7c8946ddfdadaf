package server

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterAdmitsUpToLimit(t *testing.T) {
	limiter := newRateLimiter(3, time.Minute)
	limiter.sweepRoll = func() float64 { return 1 }

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow("acct-1"); !ok {
			t.Fatalf("request %d should be admitted", i)
		}
	}
	ok, retryAfter := limiter.Allow("acct-1")
	if ok {
		t.Fatalf("request over limit should be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retry-after hint out of range: %v", retryAfter)
	}
}

func TestRateLimiterIsolatesCallers(t *testing.T) {
	limiter := newRateLimiter(1, time.Minute)
	limiter.sweepRoll = func() float64 { return 1 }

	if ok, _ := limiter.Allow("acct-a"); !ok {
		t.Fatalf("first caller should be admitted")
	}
	if ok, _ := limiter.Allow("acct-b"); !ok {
		t.Fatalf("second caller must have an independent window")
	}
	if ok, _ := limiter.Allow("acct-a"); ok {
		t.Fatalf("first caller should now be limited")
	}
}

func TestRateLimiterFreshWindowAfterExpiry(t *testing.T) {
	limiter := newRateLimiter(1, time.Minute)
	limiter.sweepRoll = func() float64 { return 1 }

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	if ok, _ := limiter.Allow("acct-1"); !ok {
		t.Fatalf("first request should be admitted")
	}
	if ok, _ := limiter.Allow("acct-1"); ok {
		t.Fatalf("second request in window should be rejected")
	}

	current = current.Add(time.Minute + time.Second)
	if ok, _ := limiter.Allow("acct-1"); !ok {
		t.Fatalf("request after window expiry should start fresh")
	}
}

func TestRateLimiterSweepDropsExpiredEntries(t *testing.T) {
	limiter := newRateLimiter(1, time.Minute)
	limiter.sweepRoll = func() float64 { return 1 }

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("acct-%d", i))
	}

	current = current.Add(2 * time.Minute)
	// Force the sweep on the next call.
	limiter.sweepRoll = func() float64 { return 0 }
	limiter.Allow("acct-fresh")

	limiter.mu.Lock()
	size := len(limiter.items)
	limiter.mu.Unlock()
	if size != 1 {
		t.Fatalf("expected only the fresh entry to survive the sweep, got %d", size)
	}
}

func TestRateLimiterRejectsEmptyKey(t *testing.T) {
	limiter := newRateLimiter(10, time.Minute)
	if ok, _ := limiter.Allow(""); ok {
		t.Fatalf("empty key must never be admitted")
	}
}
