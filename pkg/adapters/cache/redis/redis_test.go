package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return mr, client
}

func newEntry(key string, output any) *domain.CacheEntry {
	now := time.Now()
	return &domain.CacheEntry{
		Key:                   key,
		Output:                output,
		ProducedByExecutionID: "exec-1",
		ProducedByJobID:       "job-1",
		CreatedAt:             now,
		LastAccessedAt:        now,
	}
}

func TestCacheStorage_PutGet(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewCacheStorage(client, 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newEntry("train:abc", map[string]any{"accuracy": 0.9})))

	entry, err := store.Get(ctx, "train:abc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"accuracy": 0.9}, entry.Output)
	assert.Equal(t, "exec-1", entry.ProducedByExecutionID)
	assert.Equal(t, "job-1", entry.ProducedByJobID)
	assert.Equal(t, int64(0), entry.AccessCount)

	_, err = store.Get(ctx, "train:missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheStorage_TouchIsAtomic(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewCacheStorage(client, 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newEntry("k", "v")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Touch(ctx, "k", time.Now()))
		}()
	}
	wg.Wait()

	entry, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(20), entry.AccessCount)

	// Touching a missing entry does not create a partial record.
	require.NoError(t, store.Touch(ctx, "missing", time.Now()))
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheStorage_TTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewCacheStorage(client, time.Minute, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newEntry("k", "v")))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheStorage_DeleteMatching(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewCacheStorage(client, 0, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		require.NoError(t, store.Put(ctx, newEntry(fmt.Sprintf("train:%d:v1", i), i)))
	}
	require.NoError(t, store.Put(ctx, newEntry("eval:0:v1", 0)))

	deleted, err := store.DeleteMatching(ctx, "train:")
	require.NoError(t, err)
	assert.Equal(t, 150, deleted)

	_, err = store.Get(ctx, "eval:0:v1")
	assert.NoError(t, err)

	deleted, err = store.DeleteMatching(ctx, "nothing")
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}
