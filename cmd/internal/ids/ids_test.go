package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d want=26", len(id))
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(now) {
		t.Fatalf("time=%v want=%v", got, now)
	}
}

func TestNewRandomHex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int
	}{
		{in: 0, want: 32},
		{in: -1, want: 32},
		{in: 8, want: 16},
	}
	for _, tt := range tests {
		if got := len(NewRandomHex(tt.in)); got != tt.want {
			t.Fatalf("NewRandomHex(%d) len=%d want=%d", tt.in, got, tt.want)
		}
	}
	if NewRandomHex(16) == NewRandomHex(16) {
		t.Fatalf("expected distinct values")
	}
}

func TestSequence_MonotonicWithinMillisecond(t *testing.T) {
	t.Parallel()

	seq := NewSequence()
	now := time.Now()
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := seq.Next(now)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %q not greater than %q", id, prev)
		}
		prev = id
	}
}
