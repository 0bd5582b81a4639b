package ports

import (
	"context"
	"time"
)

// Store is a key/value store for encrypted session-key records and their keys.
// Get returns core.ErrNotFound for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetAll writes every entry or none of them
	SetAll(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}
