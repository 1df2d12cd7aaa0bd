// Package awareness implements the per-document presence registry.
//
// Each client id maps to an opaque JSON state plus a clock. An update from the owner fully
// replaces the state; updates with a stale clock are ignored. A removal keeps the clock so
// that late updates from a disconnected client cannot resurrect it.
package awareness

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

// Change lists the client ids touched by one apply/remove call.
// Updated includes clock renewals with an unchanged state.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns added, updated and removed ids in one slice.
func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

// ChangeHandler observes presence changes together with the origin that caused them.
type ChangeHandler func(change Change, origin any)

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness is a concurrency-safe presence registry.
type Awareness struct {
	now func() time.Time

	mu     sync.RWMutex
	states map[uint64]json.RawMessage
	meta   map[uint64]meta

	hmu      sync.RWMutex
	handlers map[uint64]ChangeHandler
	nextH    uint64
}

// New constructs an empty registry.
func New() *Awareness {
	return &Awareness{
		now:      time.Now,
		states:   make(map[uint64]json.RawMessage),
		meta:     make(map[uint64]meta),
		handlers: make(map[uint64]ChangeHandler),
	}
}

// OnChange registers h and returns its cancel func.
func (a *Awareness) OnChange(h ChangeHandler) func() {
	if h == nil {
		return func() {}
	}
	a.hmu.Lock()
	id := a.nextH
	a.nextH++
	a.handlers[id] = h
	a.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.hmu.Lock()
			delete(a.handlers, id)
			a.hmu.Unlock()
		})
	}
}

func (a *Awareness) emit(c Change, origin any) {
	if c.Empty() {
		return
	}
	a.hmu.RLock()
	ids := make([]uint64, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]ChangeHandler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, a.handlers[id])
	}
	a.hmu.RUnlock()

	for _, h := range hs {
		h(c, origin)
	}
}

// Apply merges an encoded awareness update (see v1.EncodeAwarenessUpdate).
func (a *Awareness) Apply(update []byte, origin any) (Change, error) {
	entries, err := v1.DecodeAwarenessUpdate(update)
	if err != nil {
		return Change{}, err
	}
	return a.ApplyEntries(entries, origin), nil
}

// ApplyEntries merges decoded presence deltas.
func (a *Awareness) ApplyEntries(entries []v1.AwarenessEntry, origin any) Change {
	now := a.now()
	var c Change

	a.mu.Lock()
	for _, en := range entries {
		prevMeta, known := a.meta[en.ClientID]
		_, present := a.states[en.ClientID]

		removal := en.Removed()
		accept := !known || prevMeta.clock < en.Clock ||
			(prevMeta.clock == en.Clock && removal && present)
		if !accept {
			continue
		}

		if removal {
			delete(a.states, en.ClientID)
		} else {
			a.states[en.ClientID] = append(json.RawMessage(nil), en.State...)
		}
		a.meta[en.ClientID] = meta{clock: en.Clock, lastUpdated: now}

		switch {
		case removal && present:
			c.Removed = append(c.Removed, en.ClientID)
		case removal:
			// Removal of an unknown client only records the clock.
		case !present:
			c.Added = append(c.Added, en.ClientID)
		default:
			c.Updated = append(c.Updated, en.ClientID)
		}
	}
	a.mu.Unlock()

	a.emit(c, origin)
	return c
}

// Remove deletes the given clients, bumping their clocks, and reports the ids that existed.
func (a *Awareness) Remove(ids []uint64, origin any) Change {
	now := a.now()
	var c Change

	a.mu.Lock()
	for _, id := range ids {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		m := a.meta[id]
		a.meta[id] = meta{clock: m.clock + 1, lastUpdated: now}
		c.Removed = append(c.Removed, id)
	}
	a.mu.Unlock()

	a.emit(c, origin)
	return c
}

// RemoveOutdated removes every state not refreshed within timeout.
func (a *Awareness) RemoveOutdated(timeout time.Duration, origin any) Change {
	if timeout <= 0 {
		return Change{}
	}
	return a.removeIfBefore(a.now().Add(-timeout), origin)
}

// removeIfBefore removes, under one lock, every state last refreshed before cut. An entry
// refreshed concurrently is kept.
func (a *Awareness) removeIfBefore(cut time.Time, origin any) Change {
	now := a.now()
	var c Change

	a.mu.Lock()
	for id := range a.states {
		m := a.meta[id]
		if !m.lastUpdated.Before(cut) {
			continue
		}
		delete(a.states, id)
		a.meta[id] = meta{clock: m.clock + 1, lastUpdated: now}
		c.Removed = append(c.Removed, id)
	}
	a.mu.Unlock()

	sort.Slice(c.Removed, func(i, j int) bool { return c.Removed[i] < c.Removed[j] })
	a.emit(c, origin)
	return c
}

// Encode encodes the current entries for ids. Removed ids are encoded as null states.
func (a *Awareness) Encode(ids []uint64) []byte {
	a.mu.RLock()
	entries := make([]v1.AwarenessEntry, 0, len(ids))
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		entries = append(entries, v1.AwarenessEntry{
			ClientID: id,
			Clock:    m.clock,
			State:    a.states[id],
		})
	}
	a.mu.RUnlock()
	return v1.EncodeAwarenessUpdate(entries)
}

// ClientIDs returns the ids with a live state, ascending.
func (a *Awareness) ClientIDs() []uint64 {
	a.mu.RLock()
	out := make([]uint64, 0, len(a.states))
	for id := range a.states {
		out = append(out, id)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live states.
func (a *Awareness) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.states)
}

// State returns a copy of the state for id.
func (a *Awareness) State(id uint64) (json.RawMessage, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[id]
	if !ok {
		return nil, false
	}
	return bytes.Clone(s), true
}
