package persistence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps histories in process memory. It survives document eviction, not restarts.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string][][]byte
	closed bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][][]byte)}
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// LoadUpdates returns copies of the stored updates.
func (s *MemoryStore) LoadUpdates(ctx context.Context, name string) ([][]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	src := s.docs[name]
	out := make([][]byte, 0, len(src))
	for _, u := range src {
		out = append(out, clone(u))
	}
	return out, nil
}

// AppendUpdate appends a copy of update.
func (s *MemoryStore) AppendUpdate(ctx context.Context, name string, update []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.docs[name] = append(s.docs[name], clone(update))
	return nil
}

// Compact replaces the history of name with state.
func (s *MemoryStore) Compact(ctx context.Context, name string, state []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.docs[name] = [][]byte{clone(state)}
	return nil
}

// ListDocuments returns the stored document names, sorted.
func (s *MemoryStore) ListDocuments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]string, 0, len(s.docs))
	for name := range s.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
