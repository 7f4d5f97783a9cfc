// Package ratelimit tracks per-recipient message volume within a fixed window.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Default limiter configuration.
const (
	DefaultLimit  = 10
	DefaultWindow = time.Hour
)

// Result reports whether a message may be processed for a recipient.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by recipient address.
// Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time // overridable for tests
}

type bucket struct {
	windowStart time.Time
	count       int
}

// New creates a Limiter allowing limit messages per recipient per window.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// CheckAndConsume consumes one slot for the recipient if the window allows it.
// When rejected, RetryAfter reports how long until the window resets.
func (l *Limiter) CheckAndConsume(recipient string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[recipient]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[recipient] = &bucket{windowStart: now, count: 1}
		return Result{Allowed: true}
	}

	if b.count >= l.limit {
		retryAfter := l.window - now.Sub(b.windowStart)
		slog.Warn("RateLimiter rejected message", "recipient", recipient, "count", b.count, "limit", l.limit, "retry_after", retryAfter)
		return Result{Allowed: false, RetryAfter: retryAfter}
	}

	b.count++
	return Result{Allowed: true}
}

// Prune drops buckets whose window has fully elapsed. Called opportunistically
// by housekeeping; correctness does not depend on it.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for recipient, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, recipient)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("RateLimiter pruned stale buckets", "removed", removed)
	}
	return removed
}
