package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cachePrefix = "jobdag:cache:"

const (
	fieldOutput         = "output"
	fieldExecutionID    = "produced_by_execution_id"
	fieldJobID          = "produced_by_job_id"
	fieldCreatedAt      = "created_at"
	fieldLastAccessedAt = "last_accessed_at"
	fieldAccessCount    = "access_count"
)

// touchScript records an access only on existing entries
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'access_count', 1)
return 1
`)

func getCacheKey(key string) string {
	return cachePrefix + key
}

// CacheStorage implements ports.CacheStore using one Redis hash per entry
type CacheStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewCacheStorage creates a new Redis cache storage. A zero ttl keeps entries forever.
func NewCacheStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *CacheStorage {
	return &CacheStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Get returns the entry stored under key
func (c *CacheStorage) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	fields, err := c.client.HGetAll(ctx, getCacheKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	raw, ok := fields[fieldOutput]
	if !ok {
		return nil, fmt.Errorf("cache entry %s: %w", key, domain.ErrNotFound)
	}

	entry := &domain.CacheEntry{
		Key:                   key,
		ProducedByExecutionID: fields[fieldExecutionID],
		ProducedByJobID:       fields[fieldJobID],
		CreatedAt:             parseTime(fields[fieldCreatedAt]),
		LastAccessedAt:        parseTime(fields[fieldLastAccessedAt]),
	}
	entry.AccessCount, _ = strconv.ParseInt(fields[fieldAccessCount], 10, 64)

	if err := json.Unmarshal([]byte(raw), &entry.Output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached output: %w", err)
	}

	return entry, nil
}

// Put writes an entry, replacing any previous one
func (c *CacheStorage) Put(ctx context.Context, entry *domain.CacheEntry) error {
	data, err := json.Marshal(entry.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	key := getCacheKey(entry.Key)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldOutput, data,
			fieldExecutionID, entry.ProducedByExecutionID,
			fieldJobID, entry.ProducedByJobID,
			fieldCreatedAt, formatTime(entry.CreatedAt),
			fieldLastAccessedAt, formatTime(entry.LastAccessedAt),
			fieldAccessCount, entry.AccessCount)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	return nil
}

// Touch bumps the access bookkeeping of an entry in one atomic step
func (c *CacheStorage) Touch(ctx context.Context, key string, at time.Time) error {
	err := touchScript.Run(ctx, c.client, []string{getCacheKey(key)}, formatTime(at)).Err()
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// DeleteMatching removes every entry whose key contains pattern
func (c *CacheStorage) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := c.client.Scan(ctx, cursor, cachePrefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan keys: %w", err)
		}

		matched := make([]string, 0, len(keys))
		for _, key := range keys {
			if strings.Contains(strings.TrimPrefix(key, cachePrefix), pattern) {
				matched = append(matched, key)
			}
		}
		if len(matched) > 0 {
			n, err := c.client.Del(ctx, matched...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete cache entries: %w", err)
			}
			deleted += int(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("cache entries invalidated",
		zap.String("pattern", pattern),
		zap.Int("deleted", deleted))

	return deleted, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
