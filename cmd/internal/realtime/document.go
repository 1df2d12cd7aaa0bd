package realtime

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/luce-labs/meerkat/cmd/internal/awareness"
	"github.com/luce-labs/meerkat/cmd/internal/crdt"
	"github.com/luce-labs/meerkat/cmd/internal/metrics"
	"github.com/luce-labs/meerkat/cmd/internal/persistence"
	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

// Document is a named shared state with its connection set and presence registry.
//
// Concurrency guarantees:
//   - attach, detach and fan-out snapshots are serialized by mu.
//   - Fan-out never blocks: each send is queued independently.
//   - Broadcast, persistence and notification are independent OnUpdate subscribers.
type Document struct {
	name      string
	engine    *crdt.Doc
	awareness *awareness.Awareness
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	conns map[*Conn]map[uint64]struct{}

	ready     chan struct{}
	closeOnce sync.Once
	stop      chan struct{}

	cmu     sync.Mutex
	cancels []func()
}

func newDocument(name string, log *slog.Logger, m *metrics.Metrics, gc bool, presenceTimeout time.Duration) *Document {
	d := &Document{
		name:      name,
		engine:    crdt.NewDoc(crdt.WithGC(gc)),
		awareness: awareness.New(),
		log:       log,
		metrics:   m,
		conns:     make(map[*Conn]map[uint64]struct{}),
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
	}

	d.addCancel(d.engine.OnUpdate(d.broadcastUpdate))
	d.addCancel(d.awareness.OnChange(d.broadcastPresence))

	if presenceTimeout > 0 {
		go d.expirePresence(presenceTimeout)
	}
	return d
}

// Name returns the document name.
func (d *Document) Name() string { return d.name }

// ApplyUpdate merges update into the state; origin is passed to update observers.
func (d *Document) ApplyUpdate(update []byte, origin any) error {
	return d.engine.ApplyUpdate(update, origin)
}

// EncodeStateAsUpdate returns the full state as one update.
func (d *Document) EncodeStateAsUpdate() []byte { return d.engine.EncodeStateAsUpdate() }

// EncodeStateVector returns the state vector.
func (d *Document) EncodeStateVector() []byte { return d.engine.EncodeStateVector() }

// EncodeDiff returns what a peer with stateVector is missing.
func (d *Document) EncodeDiff(stateVector []byte) ([]byte, error) {
	return d.engine.EncodeDiff(stateVector)
}

// Snapshot renders the substructure name as JSON.
func (d *Document) Snapshot(name string, kind crdt.Kind) (json.RawMessage, error) {
	return d.engine.Snapshot(name, kind)
}

// GCEnabled reports the merge engine GC flag.
func (d *Document) GCEnabled() bool { return d.engine.GCEnabled() }

// OnUpdate subscribes to accepted updates.
func (d *Document) OnUpdate(h crdt.UpdateHandler) func() { return d.engine.OnUpdate(h) }

// OnPresenceChange subscribes to presence changes.
func (d *Document) OnPresenceChange(h awareness.ChangeHandler) func() {
	return d.awareness.OnChange(h)
}

// Awareness returns the presence registry.
func (d *Document) Awareness() *awareness.Awareness { return d.awareness }

// Ready is closed once persistence replay and seeding finished.
func (d *Document) Ready() <-chan struct{} { return d.ready }

// Connections returns the attached connections.
func (d *Document) Connections() []*Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Conn, 0, len(d.conns))
	for c := range d.conns {
		out = append(out, c)
	}
	return out
}

// ConnCount returns the number of attached connections.
func (d *Document) ConnCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// Owned returns the presence client ids owned by c, ascending.
func (d *Document) Owned(c *Conn) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedIDs(d.conns[c])
}

// attach registers c with an empty owned set. Callers hold the registry lock.
func (d *Document) attach(c *Conn) {
	d.mu.Lock()
	d.conns[c] = make(map[uint64]struct{})
	d.mu.Unlock()
	c.doc = d
}

// detach removes c and returns the ids it owned and the remaining connection count.
func (d *Document) detach(c *Conn) (owned []uint64, remaining int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.conns[c]
	if !ok {
		return nil, len(d.conns)
	}
	delete(d.conns, c)
	return sortedIDs(set), len(d.conns)
}

// broadcast queues msg on every open connection except skip. Connections still in the
// handshake are skipped; they receive the state through sync step 1 and 2.
func (d *Document) broadcast(msg []byte, skip *Conn) int {
	d.mu.RLock()
	targets := make([]*Conn, 0, len(d.conns))
	for c := range d.conns {
		if c != skip && c.State() == StateOpen {
			targets = append(targets, c)
		}
	}
	d.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.Send(msg) {
			sent++
		}
	}
	d.metrics.BroadcastFrames(sent)
	return sent
}

// broadcastUpdate fans every accepted update out to all connections, the origin included.
// Re-applying an update is a no-op for the peer. Replayed history is never fanned out.
func (d *Document) broadcastUpdate(update []byte, origin any) {
	if origin == persistence.Origin {
		return
	}
	d.broadcast(v1.EncodeSyncUpdate(update), nil)
}

// broadcastPresence tracks ownership and fans the change out to every other connection.
func (d *Document) broadcastPresence(ch awareness.Change, origin any) {
	from, _ := origin.(*Conn)

	d.mu.Lock()
	if from != nil {
		if set, ok := d.conns[from]; ok {
			for _, id := range ch.Added {
				set[id] = struct{}{}
			}
		}
	}
	if len(ch.Removed) > 0 {
		for _, set := range d.conns {
			for _, id := range ch.Removed {
				delete(set, id)
			}
		}
	}
	d.mu.Unlock()

	d.broadcast(v1.EncodeAwareness(d.awareness.Encode(ch.All())), from)
}

// applyPresence applies an awareness update sent by c.
func (d *Document) applyPresence(update []byte, c *Conn) error {
	_, err := d.awareness.Apply(update, c)
	return err
}

// presenceSnapshot returns a framed AWARENESS message with every live entry, or nil.
func (d *Document) presenceSnapshot() []byte {
	ids := d.awareness.ClientIDs()
	if len(ids) == 0 {
		return nil
	}
	return v1.EncodeAwareness(d.awareness.Encode(ids))
}

func (d *Document) expirePresence(timeout time.Duration) {
	t := time.NewTicker(max(timeout/10, 10*time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			if ch := d.awareness.RemoveOutdated(timeout, nil); !ch.Empty() {
				d.log.Debug("doc.presence.expire", "doc", d.name, "clients", len(ch.Removed))
			}
		}
	}
}

func (d *Document) addCancel(fn func()) {
	if fn == nil {
		return
	}
	d.cmu.Lock()
	d.cancels = append(d.cancels, fn)
	d.cmu.Unlock()
}

// close stops background work and detaches observers. Idempotent.
func (d *Document) close() {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.cmu.Lock()
		cancels := d.cancels
		d.cancels = nil
		d.cmu.Unlock()
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	})
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
