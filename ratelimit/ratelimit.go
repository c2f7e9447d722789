// Package ratelimit provides a fixed window event counter.
package ratelimit

import "time"

// Limiter admits at most limit events per window. The window is fixed: it
// starts on the first event after expiry and does not slide.
type Limiter struct {
	limit  int
	window time.Duration

	count int
	start time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Limiter admitting limit events per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an event and reports whether it is within the limit. Events
// over the limit still count against the current window.
func (l *Limiter) Allow() bool {
	now := l.now()
	if now.Sub(l.start) >= l.window {
		l.start = now
		l.count = 0
	}
	l.count++
	return l.count <= l.limit
}
