// Package ratelimit caps how often each feed's upstream is fetched, using
// lazy-refill token buckets.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	xmlfetch "github.com/eugener/xmlfetch/internal"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Error reports a denied fetch. It matches xmlfetch.ErrRateLimited.
type Error struct {
	Feed       string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("feed %q: rate limited, retry after %s", e.Feed, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap lets errors.Is match xmlfetch.ErrRateLimited.
func (e *Error) Unwrap() error { return xmlfetch.ErrRateLimited }

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int64, now time.Time) *Bucket {
	return &Bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume takes one token if available.
func (b *Bucket) tryConsume(now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns the time until one token is available.
func (b *Bucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Limiter holds the fetches-per-minute bucket of one feed. A nil bucket
// means unlimited.
type Limiter struct {
	mu    sync.Mutex
	rpm   *Bucket
	limit int64
	now   func() time.Time
}

func newLimiter(perMinute int64, now func() time.Time) *Limiter {
	l := &Limiter{limit: perMinute, now: now}
	if perMinute > 0 {
		l.rpm = newBucket(perMinute, now())
	}
	return l
}

// Allow consumes one fetch token.
func (l *Limiter) Allow() Result {
	if l.rpm == nil {
		return Result{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining, ok := l.rpm.tryConsume(l.now())
	if ok {
		return Result{Allowed: true, Limit: l.limit, Remaining: remaining}
	}
	return Result{Limit: l.limit, RetryAfter: l.rpm.retryAfter()}
}

// Registry manages per-feed Limiters.
type Registry struct {
	now func() time.Time

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now, limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for feed. A changed limit replaces the
// limiter with a full bucket.
func (r *Registry) GetOrCreate(feed string, perMinute int64) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[feed]
	r.mu.RUnlock()
	if ok && l.limit == perMinute {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[feed]; ok && l.limit == perMinute {
		return l
	}
	l = newLimiter(perMinute, r.now)
	r.limiters[feed] = l
	return l
}
