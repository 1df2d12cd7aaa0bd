// Package v1 defines the Meerkat document sync wire protocol.
//
// Every message starts with a varuint kind tag followed by a kind-specific payload:
//
//	SYNC:            varuint(0) varuint(syncType) varbytes(payload)
//	AWARENESS:       varuint(1) varbytes(awarenessUpdate)
//	QUERY_AWARENESS: varuint(3)
//
// The integer and length-prefix encodings are LEB128 varuints, compatible with lib0.
// The package carries no document semantics; it is shared between server and clients.
package v1

import "errors"

// Kind is the leading tag of every message.
type Kind uint64

// Message kinds (wire-stable).
const (
	KindSync           Kind = 0
	KindAwareness      Kind = 1
	KindAuth           Kind = 2
	KindQueryAwareness Kind = 3
)

// String returns a short label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	case KindAuth:
		return "auth"
	case KindQueryAwareness:
		return "query_awareness"
	default:
		return "unknown"
	}
}

// SyncType identifies a sync sub-message.
type SyncType uint64

// Sync sub-message types (wire-stable).
const (
	// SyncStep1 carries the sender's state vector ("what do you have").
	SyncStep1 SyncType = 0
	// SyncStep2 carries the update the receiver is missing.
	SyncStep2 SyncType = 1
	// SyncUpdate carries an incremental update.
	SyncUpdate SyncType = 2
)

// Decode errors.
var (
	ErrUnexpectedEOF   = errors.New("v1: unexpected end of message")
	ErrVarintOverflow  = errors.New("v1: varint overflows 64 bits")
	ErrUnknownSyncType = errors.New("v1: unknown sync message type")
	ErrEmptyMessage    = errors.New("v1: empty message")
)
