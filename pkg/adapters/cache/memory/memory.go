package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
)

// InMemoryCacheStorage implements ports.CacheStore using a map.
// Outputs are kept as-is, so Go types survive a round trip.
type InMemoryCacheStorage struct {
	entries map[string]domain.CacheEntry
	mu      sync.RWMutex
}

// NewInMemoryCacheStorage creates a new in-memory cache storage
func NewInMemoryCacheStorage() *InMemoryCacheStorage {
	return &InMemoryCacheStorage{
		entries: make(map[string]domain.CacheEntry),
	}
}

// Get returns a copy of the entry stored under key
func (c *InMemoryCacheStorage) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, fmt.Errorf("cache entry %s: %w", key, domain.ErrNotFound)
	}
	return &entry, nil
}

// Put writes an entry, replacing any previous one
func (c *InMemoryCacheStorage) Put(ctx context.Context, entry *domain.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entry.Key] = *entry
	return nil
}

// Touch bumps the access bookkeeping of an existing entry
func (c *InMemoryCacheStorage) Touch(ctx context.Context, key string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry.LastAccessedAt = at
	entry.AccessCount++
	c.entries[key] = entry
	return nil
}

// DeleteMatching removes every entry whose key contains pattern
func (c *InMemoryCacheStorage) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := 0
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			delete(c.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored entries
func (c *InMemoryCacheStorage) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
