package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"go.uber.org/zap"
)

// Cache fronts a ports.CacheStore with fingerprinting and best-effort semantics
type Cache struct {
	store   ports.CacheStore
	logger  *zap.Logger
	enabled atomic.Bool
	now     func() time.Time
}

// New creates a cache over store. A nil store yields a permanently disabled cache.
func New(store ports.CacheStore, enabled bool, logger *zap.Logger) *Cache {
	c := &Cache{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	c.enabled.Store(enabled && store != nil)
	return c
}

// Enabled reports whether lookups and writes reach the store
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled.Load()
}

// SetEnabled toggles the cache at runtime
func (c *Cache) SetEnabled(enabled bool) {
	c.enabled.Store(enabled && c.store != nil)
}

// Fingerprint computes kind:inputHash:configHash:codeVersion. Map keys are
// serialized in sorted order at every depth, so construction order never matters.
func Fingerprint(kind string, config map[string]any, upstreamOutputs map[string]any, codeVersion string) (string, error) {
	inputHash, err := digest(upstreamOutputs)
	if err != nil {
		return "", fmt.Errorf("failed to hash upstream outputs: %w", err)
	}
	configHash, err := digest(config)
	if err != nil {
		return "", fmt.Errorf("failed to hash config: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s:%s", kind, inputHash, configHash, codeVersion), nil
}

func digest(v any) (string, error) {
	// encoding/json writes map keys in sorted order
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get looks up key. Disabled caches, misses and backend failures all return false.
func (c *Cache) Get(ctx context.Context, key string) (*domain.CacheEntry, bool) {
	if !c.Enabled() {
		return nil, false
	}

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("cache lookup failed",
				zap.String("key", key),
				zap.Error(err))
		}
		return nil, false
	}

	at := c.now()
	if err := c.store.Touch(ctx, key, at); err != nil {
		c.logger.Warn("failed to record cache access",
			zap.String("key", key),
			zap.Error(err))
	} else {
		entry.LastAccessedAt = at
		entry.AccessCount++
	}

	return entry, true
}

// Put stores output under key, replacing any existing entry
func (c *Cache) Put(ctx context.Context, key string, output any, executionID, jobID string) error {
	if !c.Enabled() {
		return domain.ErrCacheDisabled
	}

	now := c.now()
	entry := &domain.CacheEntry{
		Key:                   key,
		Output:                output,
		ProducedByExecutionID: executionID,
		ProducedByJobID:       jobID,
		CreatedAt:             now,
		LastAccessedAt:        now,
	}
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("cache write failed",
			zap.String("key", key),
			zap.String("execution_id", executionID),
			zap.String("job_id", jobID),
			zap.Error(err))
		return err
	}

	c.logger.Debug("cache entry stored",
		zap.String("key", key),
		zap.String("job_id", jobID))
	return nil
}

// Invalidate deletes every entry whose key contains pattern and returns the count
func (c *Cache) Invalidate(ctx context.Context, pattern string) int {
	if c == nil || c.store == nil {
		return 0
	}

	deleted, err := c.store.DeleteMatching(ctx, pattern)
	if err != nil {
		c.logger.Warn("cache invalidation failed",
			zap.String("pattern", pattern),
			zap.Error(err))
	}
	return deleted
}
