// Package ratelimit implements scoped rate limiting with lazy-refill token
// buckets and sliding request windows. A request passes only when every
// applicable scope (global, provider, key, session) admits it.
package ratelimit

import (
	"time"
)

// Limit configures one scope class. Zero Capacity disables the bucket check
// and zero MaxInWindow disables the window check for that class.
type Limit struct {
	Capacity        int64
	RefillPerSecond float64
	WindowSeconds   int
	MaxInWindow     int
}

func (l Limit) enabled() bool {
	return l.Capacity > 0 || l.MaxInWindow > 0
}

// Config holds the limits per scope class.
type Config struct {
	Global      Limit
	PerProvider Limit
	PerKey      Limit
	PerSession  Limit
}

// Class names a scope class.
type Class int

const (
	ClassGlobal Class = iota
	ClassProvider
	ClassKey
	ClassSession
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassGlobal:
		return "global"
	case ClassProvider:
		return "provider"
	case ClassKey:
		return "key"
	case ClassSession:
		return "session"
	default:
		return "unknown"
	}
}

// Scope identifies one limited entity, e.g. {ClassProvider, "openai"}.
type Scope struct {
	Class Class
	ID    string
}

func (s Scope) key() string {
	if s.Class == ClassGlobal {
		return "global"
	}
	return s.Class.String() + ":" + s.ID
}

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed    bool
	Scope      string        // denying scope when not allowed
	RetryAfter time.Duration // never negative
}

// bucket is a token bucket with lazy refill.
type bucket struct {
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(capacity int64, rate float64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     rate,
		lastFill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) has(cost float64, now time.Time) bool {
	b.refill(now)
	return b.tokens >= cost
}

func (b *bucket) consume(cost float64) {
	b.tokens = max(0, b.tokens-cost)
}

// retryAfter returns the wait until cost tokens accumulate.
func (b *bucket) retryAfter(cost float64) time.Duration {
	if b.tokens >= cost {
		return 0
	}
	if b.rate <= 0 {
		return time.Hour // bucket never refills
	}
	deficit := cost - b.tokens
	d := time.Duration(deficit / b.rate * float64(time.Second))
	return max(d, 0)
}

// window counts request timestamps inside a sliding interval.
type window struct {
	span   time.Duration
	limit  int
	events []time.Time
}

func newWindow(seconds, limit int) *window {
	return &window{span: time.Duration(seconds) * time.Second, limit: limit}
}

// prune drops events that fell out of the window.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *window) has(now time.Time) bool {
	w.prune(now)
	return len(w.events) < w.limit
}

func (w *window) record(now time.Time) {
	w.events = append(w.events, now)
}

// retryAfter returns the wait until the oldest event expires.
func (w *window) retryAfter(now time.Time) time.Duration {
	if len(w.events) < w.limit {
		return 0
	}
	d := w.events[0].Add(w.span).Sub(now)
	return max(d, 0)
}

// scopeLimiter holds the bucket and window for one scope instance.
type scopeLimiter struct {
	bucket   *bucket
	window   *window
	lastUsed time.Time
}

func newScopeLimiter(l Limit, now time.Time) *scopeLimiter {
	s := &scopeLimiter{lastUsed: now}
	if l.Capacity > 0 {
		s.bucket = newBucket(l.Capacity, l.RefillPerSecond, now)
	}
	if l.MaxInWindow > 0 && l.WindowSeconds > 0 {
		s.window = newWindow(l.WindowSeconds, l.MaxInWindow)
	}
	return s
}

func (s *scopeLimiter) has(cost float64, now time.Time) bool {
	if s.bucket != nil && !s.bucket.has(cost, now) {
		return false
	}
	if s.window != nil && !s.window.has(now) {
		return false
	}
	return true
}

func (s *scopeLimiter) consume(cost float64, now time.Time) {
	if s.bucket != nil {
		s.bucket.consume(cost)
	}
	if s.window != nil {
		s.window.record(now)
	}
}

func (s *scopeLimiter) retryAfter(cost float64, now time.Time) time.Duration {
	var d time.Duration
	if s.bucket != nil {
		d = s.bucket.retryAfter(cost)
	}
	if s.window != nil {
		d = max(d, s.window.retryAfter(now))
	}
	return d
}
