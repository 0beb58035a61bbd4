package redis

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"paperchat/internal/storage"
)

// Store keeps the app's records as plain redis strings without expiry.
// Keys are namespaced with prefix so several installs can share a server.
type Store struct {
	client *Client
	prefix string
}

func NewStore(client *Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(name string) string { return s.prefix + name }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Put overwrites the whole record.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}
