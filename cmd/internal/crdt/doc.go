package crdt

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Doc is an in-memory item-log Engine.
//
// Concurrency: all methods are safe for concurrent use. Update handlers run after the
// state lock is released, on the goroutine that applied the update.
type Doc struct {
	gc bool

	mu      sync.RWMutex
	items   map[ID]*item
	clients map[uint64]*clientClock

	hmu      sync.RWMutex
	handlers map[uint64]UpdateHandler
	nextH    uint64
}

// clientClock tracks the contiguous prefix of clocks received from one client.
type clientClock struct {
	next    uint64
	pending map[uint64]struct{}
}

// Option configures a Doc.
type Option func(*Doc)

// WithGC enables compaction of superseded map values.
func WithGC(enabled bool) Option {
	return func(d *Doc) { d.gc = enabled }
}

// NewDoc constructs an empty document. GC is enabled unless disabled via WithGC(false).
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		gc:       true,
		items:    make(map[ID]*item),
		clients:  make(map[uint64]*clientClock),
		handlers: make(map[uint64]UpdateHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// GCEnabled reports whether superseded history is compacted.
func (d *Doc) GCEnabled() bool { return d.gc }

// OnUpdate implements Engine.
func (d *Doc) OnUpdate(h UpdateHandler) func() {
	if h == nil {
		return func() {}
	}
	d.hmu.Lock()
	id := d.nextH
	d.nextH++
	d.handlers[id] = h
	d.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.hmu.Lock()
			delete(d.handlers, id)
			d.hmu.Unlock()
		})
	}
}

// ApplyUpdate implements Engine.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	incoming, err := decodeItems(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	added := make([]*item, 0, len(incoming))
	touched := make(map[mapSlot]struct{})
	for _, it := range incoming {
		if _, ok := d.items[it.id]; ok {
			continue
		}
		d.items[it.id] = it
		d.advance(it.id)
		added = append(added, it)
		if it.kind == KindMap {
			touched[mapSlot{parent: it.parent, key: it.key}] = struct{}{}
		}
	}
	if d.gc && len(touched) > 0 {
		d.collectLocked(touched)
	}
	var delta []byte
	if len(added) > 0 {
		delta = encodeItems(added)
	}
	d.mu.Unlock()

	if delta == nil {
		return nil
	}
	d.emit(delta, origin)
	return nil
}

func (d *Doc) emit(update []byte, origin any) {
	d.hmu.RLock()
	hs := make([]UpdateHandler, 0, len(d.handlers))
	ids := make([]uint64, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		hs = append(hs, d.handlers[id])
	}
	d.hmu.RUnlock()

	for _, h := range hs {
		h(update, origin)
	}
}

func (d *Doc) advance(id ID) {
	cc := d.clients[id.Client]
	if cc == nil {
		cc = &clientClock{}
		d.clients[id.Client] = cc
	}
	if id.Clock != cc.next {
		if id.Clock > cc.next {
			if cc.pending == nil {
				cc.pending = make(map[uint64]struct{})
			}
			cc.pending[id.Clock] = struct{}{}
		}
		return
	}
	cc.next++
	for {
		if _, ok := cc.pending[cc.next]; !ok {
			return
		}
		delete(cc.pending, cc.next)
		cc.next++
	}
}

type mapSlot struct {
	parent string
	key    string
}

// collectLocked drops the content of every value that lost the last-writer-wins race.
func (d *Doc) collectLocked(slots map[mapSlot]struct{}) {
	winners := make(map[mapSlot]ID, len(slots))
	for id, it := range d.items {
		if it.kind != KindMap {
			continue
		}
		s := mapSlot{parent: it.parent, key: it.key}
		if _, ok := slots[s]; !ok {
			continue
		}
		if w, ok := winners[s]; !ok || w.less(id) {
			winners[s] = id
		}
	}
	for id, it := range d.items {
		if it.kind != KindMap || it.collected {
			continue
		}
		s := mapSlot{parent: it.parent, key: it.key}
		if w, ok := winners[s]; ok && w != id {
			it.collected = true
			it.content = nil
		}
	}
}

// EncodeStateAsUpdate implements Engine.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeItems(d.sortedLocked(func(*item) bool { return true }))
}

// EncodeStateVector implements Engine.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sv := make(map[uint64]uint64, len(d.clients))
	for c, cc := range d.clients {
		sv[c] = cc.next
	}
	return encodeStateVector(sv)
}

// EncodeDiff implements Engine.
func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeItems(d.sortedLocked(func(it *item) bool {
		return it.id.Clock >= sv[it.id.Client]
	})), nil
}

// sortedLocked returns matching items ordered by (client, clock).
func (d *Doc) sortedLocked(match func(*item) bool) []*item {
	out := make([]*item, 0, len(d.items))
	for _, it := range d.items {
		if match(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].id.Client != out[j].id.Client {
			return out[i].id.Client < out[j].id.Client
		}
		return out[i].id.Clock < out[j].id.Clock
	})
	return out
}

// Len returns the number of items, collected ones included.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items)
}

// Snapshot implements Engine.
func (d *Doc) Snapshot(name string, kind Kind) (json.RawMessage, error) {
	d.mu.RLock()
	items := make([]*item, 0)
	for _, it := range d.items {
		if it.parent == name && !it.collected {
			items = append(items, it)
		}
	}
	d.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].id.less(items[j].id) })

	switch kind {
	case KindText, KindXMLFragment, KindXMLElement:
		var b strings.Builder
		for _, it := range items {
			var s string
			if err := json.Unmarshal(it.content, &s); err != nil {
				b.Write(it.content)
				continue
			}
			b.WriteString(s)
		}
		return json.Marshal(b.String())

	case KindArray:
		vals := make([]json.RawMessage, 0, len(items))
		for _, it := range items {
			vals = append(vals, it.content)
		}
		return json.Marshal(vals)

	case KindMap:
		winners := make(map[string]*item)
		for _, it := range items {
			if w, ok := winners[it.key]; !ok || w.id.less(it.id) {
				winners[it.key] = it
			}
		}
		out := make(map[string]json.RawMessage, len(winners))
		for k, it := range winners {
			if bytes.Equal(bytes.TrimSpace(it.content), []byte("null")) {
				continue
			}
			out[k] = it.content
		}
		return json.Marshal(out)

	default:
		return json.RawMessage("{}"), nil
	}
}
