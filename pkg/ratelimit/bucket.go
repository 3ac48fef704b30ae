// Package ratelimit implements per-route token-bucket limiting and the
// operation Monitor (start_timer/end_timer) from spec §4.7. The bucket
// implementation is hand-rolled rather than built on golang.org/x/time/rate,
// following the pack's own precedent (itsneelabh-gomind/ui/security hand-rolls
// both its in-memory and Redis-backed limiters).
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a keyed set of token buckets sharing one rate/burst policy,
// generalized from the teacher pack's per-client sync.Map + per-bucket-mutex
// shape (ui/security/inmemory_limiter.go) into continuous-refill token-bucket
// semantics instead of a fixed window.
type Limiter struct {
	ratePerMinute int
	burst         int

	mu      sync.Mutex
	buckets map[string]*bucket

	lastSweep time.Time
	sweepMu   sync.Mutex
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// NewLimiter builds a Limiter allowing ratePerMinute tokens per minute per
// key, with a burst capacity of the same size (buckets start full).
func NewLimiter(ratePerMinute int) *Limiter {
	return &Limiter{
		ratePerMinute: ratePerMinute,
		burst:         ratePerMinute,
		buckets:       make(map[string]*bucket),
		lastSweep:     time.Now(),
	}
}

// Allow reports whether a request keyed by key may proceed, and if not, the
// duration the caller should wait before retrying (for a Retry-After header).
func (l *Limiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	l.sweepIfDue()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastFill: time.Now()}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastFill)
	refill := elapsed.Minutes() * float64(l.ratePerMinute)
	b.tokens = minFloat(float64(l.burst), b.tokens+refill)
	b.lastFill = now

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		waitMinutes := deficit / float64(l.ratePerMinute)
		return false, time.Duration(waitMinutes * float64(time.Minute))
	}

	b.tokens--
	return true, 0
}

// Remaining reports the whole tokens currently available for key, without
// consuming any.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return l.burst
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.tokens)
}

// sweepIfDue periodically drops idle buckets so memory does not grow
// unbounded with the number of distinct callers seen over process lifetime.
func (l *Limiter) sweepIfDue() {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()
	if time.Since(l.lastSweep) < 5*time.Minute {
		return
	}
	l.lastSweep = time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := time.Since(b.lastFill) > 10*time.Minute
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
