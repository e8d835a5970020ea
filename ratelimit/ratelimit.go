// Package ratelimit implements the crawler's single-knob, per-second
// outbound request allowance (§4.C).
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is an advisory, approximate rate limiter: it allows up to Limit
// events within the current second, measured as a fixed window reset each
// time a request observes that the second boundary has been crossed since
// the window started. It is not a token bucket: unused allowance within a
// second does not carry over, and a caller that is told "no" must skip the
// action rather than queue it (§4.C).
type Limiter struct {
	limit int

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// New creates a Limiter admitting up to limit events per rolling second.
func New(limit int) *Limiter {
	return &Limiter{
		limit:       limit,
		windowStart: time.Now(),
	}
}

// Allow reports whether the caller may proceed. It returns true up to Limit
// times within the current one-second window and false otherwise.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.windowStart) >= time.Second {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}
