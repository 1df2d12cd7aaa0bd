// Package crdt holds the mergeable document state used by the sync server.
//
// The server treats document state as opaque: it only needs the Engine capability set.
// Doc is the bundled implementation, an item log where every item is identified by
// (client, clock). Applying an update inserts the items the document does not know yet,
// which makes updates commutative, associative and idempotent.
package crdt

import (
	"encoding/json"
	"errors"
)

// ErrMalformedUpdate is returned when an update or state vector cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// Kind names the type of a top-level substructure.
type Kind string

// Substructure kinds understood by Snapshot.
const (
	KindText        Kind = "Text"
	KindArray       Kind = "Array"
	KindMap         Kind = "Map"
	KindXMLFragment Kind = "XmlFragment"
	KindXMLElement  Kind = "XmlElement"
)

// ParseKind maps a configured type name to a Kind. Unknown names are returned as-is;
// Snapshot renders them as an empty object.
func ParseKind(s string) Kind { return Kind(s) }

// UpdateHandler observes accepted updates. update holds only the newly applied items.
type UpdateHandler func(update []byte, origin any)

// Engine is the capability set the server needs from a merge engine.
type Engine interface {
	// ApplyUpdate merges update into the state. Re-applying a known update is a no-op.
	ApplyUpdate(update []byte, origin any) error
	// EncodeStateAsUpdate returns an update that reconstructs the whole state.
	EncodeStateAsUpdate() []byte
	// EncodeStateVector summarises what the state already contains.
	EncodeStateVector() []byte
	// EncodeDiff returns the update a peer with the given state vector is missing.
	EncodeDiff(stateVector []byte) ([]byte, error)
	// Snapshot renders the named substructure as JSON.
	Snapshot(name string, kind Kind) (json.RawMessage, error)
	// OnUpdate registers h for every state-changing update and returns its cancel func.
	OnUpdate(h UpdateHandler) (cancel func())
}
