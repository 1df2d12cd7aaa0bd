// Package debounce coalesces bursts of triggers into a single deferred call.
//
// A call fires once no trigger arrived for Wait, and at the latest MaxWait after the first
// trigger of the burst. Triggers after a call starts begin a new burst.
package debounce

import (
	"sync"
	"time"
)

// Debouncer is safe for concurrent use. The callback runs on its own timer goroutine;
// calls never overlap.
type Debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	now func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	first   time.Time
	gen     uint64
	stopped bool

	run sync.Mutex
}

// New returns a Debouncer calling fn. maxWait <= 0 disables the upper bound; a maxWait
// smaller than wait is raised to wait.
func New(wait, maxWait time.Duration, fn func()) *Debouncer {
	if wait < 0 {
		wait = 0
	}
	if maxWait > 0 && maxWait < wait {
		maxWait = wait
	}
	return &Debouncer{wait: wait, maxWait: maxWait, fn: fn, now: time.Now}
}

// Trigger records an event and (re)schedules the call.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.fn == nil {
		return
	}

	now := d.now()
	if !d.pending {
		d.pending = true
		d.first = now
	}

	delay := d.wait
	if d.maxWait > 0 {
		if left := d.first.Add(d.maxWait).Sub(now); left < delay {
			delay = left
		}
	}
	if delay < 0 {
		delay = 0
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.run.Lock()
	defer d.run.Unlock()
	d.fn()
}

// Flush runs a pending call immediately on the caller's goroutine. It reports whether a
// call was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return false
	}
	d.pending = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.run.Lock()
	defer d.run.Unlock()
	d.fn()
	return true
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
