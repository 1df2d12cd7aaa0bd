package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_Window(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d denied", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside window allowed")
	}
	// The first event leaves the window at t0+1s.
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("event after oldest expired denied")
	}
	if rl.Allow(t0.Add(time.Second + 50*time.Millisecond)) {
		t.Fatalf("window should still be full")
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != defaultPresenceRateEvents || rl.window != defaultPresenceRateWindow {
		t.Fatalf("limit=%d window=%v", len(rl.ring), rl.window)
	}
}
