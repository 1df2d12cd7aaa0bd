package crdt

import (
	"encoding/json"
	"fmt"
)

// Builder produces updates on behalf of one client. It is what a client library does
// locally before sending SYNC update messages; the server uses it for seeding and tests.
type Builder struct {
	client uint64
	clock  uint64
	items  []*item
}

// NewBuilder returns a Builder for client starting at clock.
func NewBuilder(client, clock uint64) *Builder {
	return &Builder{client: client, clock: clock}
}

// Clock returns the next clock the builder will assign.
func (b *Builder) Clock() uint64 { return b.clock }

func (b *Builder) add(parent string, kind Kind, key string, content json.RawMessage) {
	b.items = append(b.items, &item{
		id:      ID{Client: b.client, Clock: b.clock},
		parent:  parent,
		kind:    kind,
		key:     key,
		content: content,
	})
	b.clock++
}

// InsertText appends s to the text substructure name.
func (b *Builder) InsertText(name, s string) *Builder {
	raw, _ := json.Marshal(s)
	b.add(name, KindText, "", raw)
	return b
}

// Push appends v to the array substructure name.
func (b *Builder) Push(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("crdt: push %q: %w", name, err)
	}
	b.add(name, KindArray, "", raw)
	return nil
}

// Set writes key=v in the map substructure name.
func (b *Builder) Set(name, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("crdt: set %q.%q: %w", name, key, err)
	}
	b.add(name, KindMap, key, raw)
	return nil
}

// Delete removes key from the map substructure name.
func (b *Builder) Delete(name, key string) *Builder {
	b.add(name, KindMap, key, json.RawMessage("null"))
	return b
}

// Update encodes the pending items and resets the builder. The clock keeps advancing.
func (b *Builder) Update() []byte {
	out := encodeItems(b.items)
	b.items = nil
	return out
}
