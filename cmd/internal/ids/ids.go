// Package ids provides the id primitives used across the server (connection ids, node ids,
// object keys).
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for callers that cannot surface an error. It falls back to random hex.
func MustULID() string {
	id, err := NewULID(time.Time{})
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// Sequence yields ULIDs that sort strictly increasing within one process, even when
// generated in the same millisecond.
type Sequence struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewSequence returns a monotonic ULID generator.
func NewSequence() *Sequence {
	return &Sequence{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next ULID string for now.
func (s *Sequence) Next(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
