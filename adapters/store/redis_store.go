package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/ports"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of the Store interface
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store. Callers namespace their own keys.
func NewRedisStore(client *redis.Client) ports.Store {
	return &RedisStore{
		client: client,
	}
}

// Get returns the value stored under key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}

	return val, nil
}

// Set stores value under key with an optional expiration
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

// SetAll writes every entry with a single MSET, which Redis applies atomically
func (s *RedisStore) SetAll(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	pairs := make([]interface{}, 0, len(entries)*2)
	for key, value := range entries {
		pairs = append(pairs, key, value)
	}

	if err := s.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("failed to write %d keys: %w", len(entries), err)
	}

	return nil
}

// Delete removes keys
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}
