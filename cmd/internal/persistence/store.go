// Package persistence stores document histories outside the process.
//
// A history is an ordered list of opaque update blobs per document name. Replaying the list
// into an empty document reproduces the persisted state. Compact replaces the list with a
// single full-state update.
package persistence

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("persistence: store closed")
	// ErrInvalidName is returned for an empty document name.
	ErrInvalidName = errors.New("persistence: invalid document name")
)

// Store persists document update histories.
//
// Requirements:
//   - LoadUpdates returns updates in append order
//   - AppendUpdate is durable once it returns nil
//   - Compact atomically replaces the history with state
type Store interface {
	LoadUpdates(ctx context.Context, name string) ([][]byte, error)
	AppendUpdate(ctx context.Context, name string, update []byte) error
	Compact(ctx context.Context, name string, state []byte) error
	Close() error
}

// Pinger is implemented by stores that can check backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lister is implemented by stores that can enumerate persisted documents.
type Lister interface {
	ListDocuments(ctx context.Context) ([]string, error)
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
