package redis

import (
	"context"
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

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return client
}

func newTestBus(client *redis.Client, group, consumer string) *StreamsEventBus {
	bus := NewStreamsEventBus(client, group, consumer, 1000, zap.NewNop())
	bus.block = 50 * time.Millisecond
	return bus
}

func TestStreamsEventBus_PublishSubscribe(t *testing.T) {
	client := setupTestRedis(t)
	bus := newTestBus(client, "group", "consumer-1")
	ctx := context.Background()

	var mu sync.Mutex
	var received []domain.Event
	require.NoError(t, bus.Subscribe(ctx, domain.TopicExecutionEvents, func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, domain.TopicExecutionEvents, domain.Event{
		ID:          "evt-1",
		Type:        domain.EventTypeExecutionStarted,
		ExecutionID: "exec-1",
		Data:        map[string]any{"name": "nightly"},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "exec-1", received[0].ExecutionID)
	assert.Equal(t, "nightly", received[0].Data["name"])
	mu.Unlock()

	require.NoError(t, bus.Close())
}

func TestStreamsEventBus_GroupSplitsWork(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[event.ID]++
		return nil
	}

	first := newTestBus(client, "workers", "worker-1")
	second := newTestBus(client, "workers", "worker-2")
	require.NoError(t, first.Subscribe(ctx, domain.TopicExecutionRequests, handler))
	require.NoError(t, second.Subscribe(ctx, domain.TopicExecutionRequests, handler))

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		require.NoError(t, first.Publish(ctx, domain.TopicExecutionRequests, domain.Event{ID: id}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())

	for id, n := range seen {
		assert.Equal(t, 1, n, "request %s delivered more than once", id)
	}
}

func TestStreamsEventBus_Unsubscribe(t *testing.T) {
	client := setupTestRedis(t)
	bus := newTestBus(client, "group", "consumer-1")
	ctx := context.Background()

	require.NoError(t, bus.Subscribe(ctx, "t", func(ctx context.Context, event domain.Event) error { return nil }))
	require.NoError(t, bus.Unsubscribe(ctx, "t"))

	done := make(chan struct{})
	go func() {
		_ = bus.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after unsubscribe")
	}
}
