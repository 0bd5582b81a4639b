package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/ports"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-memory implementation of the Store interface
type MemoryStore struct {
	entries map[string]memoryEntry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() ports.Store {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
}

// Get returns the value stored under key
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[key]
	if !exists {
		return "", core.ErrNotFound
	}

	// Expired entries are invisible until overwritten
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return "", core.ErrNotFound
	}

	return entry.value, nil
}

// Set stores value under key. A non-positive ttl keeps the entry forever.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = newMemoryEntry(value, ttl)
	return nil
}

// SetAll stores every entry under a single lock
func (s *MemoryStore) SetAll(ctx context.Context, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range entries {
		s.entries[key] = newMemoryEntry(value, 0)
	}
	return nil
}

// Delete removes keys; missing keys are ignored
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func newMemoryEntry(value string, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	return entry
}
