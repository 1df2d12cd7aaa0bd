package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode reads the kind tag of msg and returns a decoder positioned at the payload.
// Unknown kinds are not an error; callers decide whether to ignore them.
func Decode(msg []byte) (Kind, *Decoder, error) {
	if len(msg) == 0 {
		return 0, nil, ErrEmptyMessage
	}
	d := NewDecoder(msg)
	tag, err := d.ReadVarUint()
	if err != nil {
		return 0, nil, err
	}
	return Kind(tag), d, nil
}

// Known reports whether k is a kind this protocol version defines.
func Known(k Kind) bool {
	switch k {
	case KindSync, KindAwareness, KindAuth, KindQueryAwareness:
		return true
	}
	return false
}

// AppendSyncMessage writes a sync sub-message (type + varbytes payload) into e.
func AppendSyncMessage(e *Encoder, typ SyncType, payload []byte) {
	e.WriteVarUint(uint64(typ))
	e.WriteVarBytes(payload)
}

// ReadSyncMessage reads a sync sub-message from d.
func ReadSyncMessage(d *Decoder) (SyncType, []byte, error) {
	raw, err := d.ReadVarUint()
	if err != nil {
		return 0, nil, err
	}
	typ := SyncType(raw)
	switch typ {
	case SyncStep1, SyncStep2, SyncUpdate:
	default:
		return typ, nil, fmt.Errorf("%w: %d", ErrUnknownSyncType, raw)
	}
	payload, err := d.ReadVarBytes()
	if err != nil {
		return typ, nil, err
	}
	return typ, payload, nil
}

// EncodeSync frames a complete SYNC message.
func EncodeSync(typ SyncType, payload []byte) []byte {
	e := NewEncoder(len(payload) + 8)
	e.WriteVarUint(uint64(KindSync))
	AppendSyncMessage(e, typ, payload)
	return e.Bytes()
}

// EncodeSyncStep1 frames the "what do you have" handshake for a state vector.
func EncodeSyncStep1(stateVector []byte) []byte { return EncodeSync(SyncStep1, stateVector) }

// EncodeSyncStep2 frames a handshake answer carrying a missing-state update.
func EncodeSyncStep2(update []byte) []byte { return EncodeSync(SyncStep2, update) }

// EncodeSyncUpdate frames an incremental update broadcast.
func EncodeSyncUpdate(update []byte) []byte { return EncodeSync(SyncUpdate, update) }

// EncodeAwareness frames an AWARENESS message around an encoded awareness update.
func EncodeAwareness(update []byte) []byte {
	e := NewEncoder(len(update) + 8)
	e.WriteVarUint(uint64(KindAwareness))
	e.WriteVarBytes(update)
	return e.Bytes()
}

// EncodeQueryAwareness frames a request for the full presence snapshot.
func EncodeQueryAwareness() []byte {
	e := NewEncoder(1)
	e.WriteVarUint(uint64(KindQueryAwareness))
	return e.Bytes()
}

// AwarenessEntry is one per-client presence delta.
// A nil State (or JSON null) marks the client as removed.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

// Removed reports whether the entry carries a removal.
func (e AwarenessEntry) Removed() bool {
	return len(e.State) == 0 || bytes.Equal(bytes.TrimSpace(e.State), []byte("null"))
}

var jsonNull = []byte("null")

// EncodeAwarenessUpdate encodes presence deltas as
// varuint(count) { varuint(clientID) varuint(clock) varstring(json) }.
func EncodeAwarenessUpdate(entries []AwarenessEntry) []byte {
	e := NewEncoder(16 + 32*len(entries))
	e.WriteVarUint(uint64(len(entries)))
	for _, en := range entries {
		e.WriteVarUint(en.ClientID)
		e.WriteVarUint(en.Clock)
		state := []byte(en.State)
		if en.Removed() {
			state = jsonNull
		}
		e.WriteVarBytes(state)
	}
	return e.Bytes()
}

// DecodeAwarenessUpdate decodes an awareness update. States alias p.
func DecodeAwarenessUpdate(p []byte) ([]AwarenessEntry, error) {
	d := NewDecoder(p)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	// Bounds the allocation below; every entry takes at least three bytes.
	if n > uint64(d.Remaining()/3) {
		return nil, ErrUnexpectedEOF
	}
	out := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		clientID, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		state, err := d.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("v1: awareness state for client %d is not valid JSON", clientID)
		}
		en := AwarenessEntry{ClientID: clientID, Clock: clock, State: json.RawMessage(state)}
		if en.Removed() {
			en.State = nil
		}
		out = append(out, en)
	}
	return out, nil
}
