package server

import (
	"math/rand"
	"sync"
	"time"
)

const sweepProbability = 0.01

type rateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	items  map[string]*rateLimitEntry

	// now and sweepRoll are swappable in tests.
	now       func() time.Time
	sweepRoll func() float64
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:     limit,
		window:    window,
		items:     make(map[string]*rateLimitEntry),
		now:       func() time.Time { return time.Now().UTC() },
		sweepRoll: rand.Float64,
	}
}

// Allow admits or rejects one request for the caller key. On rejection it
// returns the remaining window time as a retry-after hint.
func (r *rateLimiter) Allow(key string) (bool, time.Duration) {
	if key == "" {
		return false, r.window
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sweepRoll() < sweepProbability {
		r.sweepLocked(now)
	}

	entry := r.items[key]
	if entry == nil || !now.Before(entry.resetTime) {
		entry = &rateLimitEntry{resetTime: now.Add(r.window)}
		r.items[key] = entry
	}

	if entry.count >= r.limit {
		return false, entry.resetTime.Sub(now)
	}

	entry.count++
	return true, 0
}

// sweepLocked drops expired windows. Stale entries are harmless, they
// reset on next access, so sweeping only bounds memory.
func (r *rateLimiter) sweepLocked(now time.Time) {
	for key, entry := range r.items {
		if !now.Before(entry.resetTime) {
			delete(r.items, key)
		}
	}
}
