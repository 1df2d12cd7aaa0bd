package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter backed by a ring of the last
// limit event times.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	n      int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultPresenceRateEvents
	}
	if window <= 0 {
		window = defaultPresenceRateWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now is permitted and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < len(r.ring) {
		r.ring[r.next] = now
		r.next = (r.next + 1) % len(r.ring)
		r.n++
		return true
	}

	// The slot about to be overwritten holds the oldest event in the window.
	if now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
