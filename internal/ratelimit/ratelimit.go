// Package ratelimit provides per-device sliding-window rate limiters for
// pairing, auth, and per-message traffic, backed by golang.org/x/time/rate
// instead of a hand-rolled counter — promoted from an indirect teacher
// dependency since the sliding-window semantics of §4.1/§4.6 map directly
// onto a token bucket with burst==limit.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed tracks one rate.Limiter per string key (typically a deviceId),
// evicting stale entries on a periodic sweep rather than per-access, matching
// §5's "coarse periodic cleanup sweep (every ~1000 attempts)".
type Keyed struct {
	mu         sync.Mutex
	limiters   map[string]*entry
	limit      rate.Limit
	burst      int
	sweepEvery int
	attempts   int
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewKeyed constructs a per-key limiter allowing maxEvents per window,
// sweeping stale keys every sweepEvery attempts.
func NewKeyed(maxEvents int, window time.Duration, sweepEvery int) *Keyed {
	return &Keyed{
		limiters:   make(map[string]*entry),
		limit:      rate.Every(window / time.Duration(maxEvents)),
		burst:      maxEvents,
		sweepEvery: sweepEvery,
	}
}

// Allow reports whether key may proceed now, consuming one token if so.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastUsed = time.Now()

	k.attempts++
	if k.sweepEvery > 0 && k.attempts >= k.sweepEvery {
		k.attempts = 0
		k.sweepLocked()
	}

	return e.limiter.Allow()
}

// sweepLocked removes limiters unused for longer than 10 minutes, whatever
// the configured window; called with mu held.
func (k *Keyed) sweepLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for key, e := range k.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(k.limiters, key)
		}
	}
}

// Count returns the number of currently tracked keys, for tests/metrics.
func (k *Keyed) Count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
