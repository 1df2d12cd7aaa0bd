package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltFileName is the database file created inside a persistence directory.
const BoltFileName = "meerkat.db"

var boltDocsBucket = []byte("documents")

// BoltStore keeps histories in an embedded bbolt file. Each document is a nested bucket
// whose keys are big-endian sequence numbers.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) dir/meerkat.db.
func OpenBoltStore(dir string) (*BoltStore, error) {
	if dir == "" {
		return nil, errors.New("persistence: empty bolt directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, BoltFileName), 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltDocsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: init bolt: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string { return s.db.Path() }

// LoadUpdates returns the updates of name in append order.
func (s *BoltStore) LoadUpdates(ctx context.Context, name string) ([][]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltDocsBucket).Bucket([]byte(name))
		if b == nil {
			return nil
		}
		// Values are only valid inside the transaction.
		return b.ForEach(func(_, v []byte) error {
			out = append(out, clone(v))
			return nil
		})
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	}
	return out, err
}

// AppendUpdate appends update under the next sequence key.
func (s *BoltStore) AppendUpdate(ctx context.Context, name string, update []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(boltDocsBucket).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		return putNext(b, update)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// Compact drops the bucket of name and recreates it holding only state.
func (s *BoltStore) Compact(ctx context.Context, name string, state []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(boltDocsBucket)
		if err := docs.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := docs.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		return putNext(b, state)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// ListDocuments returns the names of all persisted documents.
func (s *BoltStore) ListDocuments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDocsBucket).ForEachBucket(func(k []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func putNext(b *bolt.Bucket, v []byte) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return b.Put(key[:], clone(v))
}
