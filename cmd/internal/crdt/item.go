package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

// ID identifies an item: the clock-th item created by client.
type ID struct {
	Client uint64
	Clock  uint64
}

// less orders IDs by clock first so concurrent edits interleave deterministically.
func (a ID) less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

const flagCollected = 1

type item struct {
	id      ID
	parent  string
	kind    Kind
	key     string
	content json.RawMessage

	// collected items keep their ID but no content.
	collected bool
}

// update wire layout:
//
//	varuint(count) {
//	  varuint(client) varuint(clock) varstring(parent) varstring(kind)
//	  varstring(key) varuint(flags) varbytes(content)
//	}
func encodeItems(items []*item) []byte {
	e := v1.NewEncoder(16 + 48*len(items))
	e.WriteVarUint(uint64(len(items)))
	for _, it := range items {
		e.WriteVarUint(it.id.Client)
		e.WriteVarUint(it.id.Clock)
		e.WriteVarString(it.parent)
		e.WriteVarString(string(it.kind))
		e.WriteVarString(it.key)
		var flags uint64
		var content []byte
		if it.collected {
			flags |= flagCollected
		} else {
			content = it.content
		}
		e.WriteVarUint(flags)
		e.WriteVarBytes(content)
	}
	return e.Bytes()
}

func decodeItems(update []byte) ([]*item, error) {
	d := v1.NewDecoder(update)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: item count %d exceeds payload", ErrMalformedUpdate, n)
	}

	out := make([]*item, 0, n)
	for i := uint64(0); i < n; i++ {
		it, err := decodeItem(d)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, i, err)
		}
		out = append(out, it)
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Remaining())
	}
	return out, nil
}

func decodeItem(d *v1.Decoder) (*item, error) {
	client, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	clock, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	parent, err := d.ReadVarString()
	if err != nil {
		return nil, err
	}
	kind, err := d.ReadVarString()
	if err != nil {
		return nil, err
	}
	key, err := d.ReadVarString()
	if err != nil {
		return nil, err
	}
	flags, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	content, err := d.ReadVarBytes()
	if err != nil {
		return nil, err
	}

	it := &item{
		id:        ID{Client: client, Clock: clock},
		parent:    parent,
		kind:      Kind(kind),
		key:       key,
		collected: flags&flagCollected != 0,
	}
	if !it.collected {
		if !json.Valid(content) {
			return nil, fmt.Errorf("content of %d:%d is not valid JSON", client, clock)
		}
		// Copy out of the wire buffer; items outlive the message.
		it.content = append(json.RawMessage(nil), content...)
	}
	return it, nil
}

// state vector wire layout: varuint(count) { varuint(client) varuint(nextClock) }
func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := v1.NewEncoder(8 + 12*len(clients))
	e.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		e.WriteVarUint(c)
		e.WriteVarUint(sv[c])
	}
	return e.Bytes()
}

func decodeStateVector(p []byte) (map[uint64]uint64, error) {
	if len(p) == 0 {
		return map[uint64]uint64{}, nil
	}
	d := v1.NewDecoder(p)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: state vector count %d exceeds payload", ErrMalformedUpdate, n)
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
		}
		sv[client] = clock
	}
	return sv, nil
}
