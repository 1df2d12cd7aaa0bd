package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces document keys.
const DefaultRedisPrefix = "meerkat:doc:"

// RedisStore keeps each history in a Redis list at <prefix><name>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore dials the redis:// or rediss:// URL. The store owns the connection.
func OpenRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("persistence: ping redis: %w", err)
	}
	st := NewRedisStore(client, "")
	st.owned = true
	return st, nil
}

// Close closes the client if the store owns it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

// LoadUpdates returns the list contents in order.
func (s *RedisStore) LoadUpdates(ctx context.Context, name string) ([][]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	vals, err := s.client.LRange(ctx, s.key(name), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// AppendUpdate pushes update to the tail of the list.
func (s *RedisStore) AppendUpdate(ctx context.Context, name string, update []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key(name), update).Err()
}

// Compact replaces the list with state inside MULTI/EXEC.
func (s *RedisStore) Compact(ctx context.Context, name string, state []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	key := s.key(name)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, state)
		return nil
	})
	return err
}

// ListDocuments scans for keys under the prefix.
func (s *RedisStore) ListDocuments(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
