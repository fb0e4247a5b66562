package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/jobdag/internal/application/orchestrator"
	eventsmemory "github.com/aescanero/jobdag/pkg/adapters/events/memory"
	promcollector "github.com/aescanero/jobdag/pkg/adapters/metrics/prometheus"
	storagememory "github.com/aescanero/jobdag/pkg/adapters/storage/memory"
	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type instance struct {
	scheduler *orchestrator.Scheduler
	pool      *Pool
}

func newInstance(t *testing.T, name string, bus ports.EventBus, state ports.StateStore, calls *atomic.Int64, cfg PoolConfig) *instance {
	t.Helper()

	scheduler := orchestrator.New(orchestrator.Config{
		StateStore: state,
		EventBus:   bus,
		Logger:     zap.NewNop(),
		WorkerID:   name,
	})
	scheduler.RegisterHandler("noop", ports.HandlerFunc(func(ctx context.Context, spec domain.JobSpec, jc ports.JobContext) (any, error) {
		calls.Add(1)
		return spec.ID, nil
	}))

	metrics := promcollector.NewCollector(prometheus.NewRegistry())
	pool := NewPool(cfg, scheduler, bus, state, metrics, zap.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
		_ = scheduler.Shutdown(ctx)
	})
	return &instance{scheduler: scheduler, pool: pool}
}

func chain() []domain.JobSpec {
	return []domain.JobSpec{
		{ID: "a", Kind: "noop"},
		{ID: "b", Kind: "noop", DependsOn: []string{"a"}},
		{ID: "c", Kind: "noop", DependsOn: []string{"b"}},
	}
}

func waitForStatus(t *testing.T, state ports.StateStore, executionID string, want domain.ExecutionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := state.GetExecutionState(context.Background(), executionID)
		return err == nil && st.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_SubmitRunsExecution(t *testing.T) {
	bus := eventsmemory.NewInMemoryEventBus()
	state := storagememory.NewInMemoryStateStorage()
	var calls atomic.Int64

	inst := newInstance(t, "node-1", bus, state, &calls, PoolConfig{Size: 2})
	require.NoError(t, inst.pool.Start())

	id, err := inst.pool.Submit(context.Background(), domain.ExecutionRequest{
		Name:         "chain",
		Jobs:         chain(),
		DisableCache: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitForStatus(t, state, id, domain.ExecutionStatusCompleted)
	assert.EqualValues(t, 3, calls.Load())

	exec, err := inst.scheduler.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "chain", exec.Name)
}

func TestPool_SubmitKeepsPresetID(t *testing.T) {
	bus := eventsmemory.NewInMemoryEventBus()
	state := storagememory.NewInMemoryStateStorage()
	var calls atomic.Int64

	inst := newInstance(t, "node-1", bus, state, &calls, PoolConfig{Size: 1})
	require.NoError(t, inst.pool.Start())

	id, err := inst.pool.Submit(context.Background(), domain.ExecutionRequest{
		ID:         "exec-preset",
		Name:       "preset",
		WorkflowID: "wf-1",
		Jobs:       chain(),
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-preset", id)

	waitForStatus(t, state, id, domain.ExecutionStatusCompleted)

	runs, err := state.GetWorkflowExecutions(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "exec-preset", runs[0].Execution.ID)
}

func TestPool_SubmitRejectsInvalidGraph(t *testing.T) {
	bus := eventsmemory.NewInMemoryEventBus()
	state := storagememory.NewInMemoryStateStorage()
	var calls atomic.Int64

	inst := newInstance(t, "node-1", bus, state, &calls, PoolConfig{Size: 1})
	require.NoError(t, inst.pool.Start())

	_, err := inst.pool.Submit(context.Background(), domain.ExecutionRequest{
		Name: "cyclic",
		Jobs: []domain.JobSpec{
			{ID: "a", Kind: "noop", DependsOn: []string{"b"}},
			{ID: "b", Kind: "noop", DependsOn: []string{"a"}},
		},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, calls.Load())
}

func TestPool_RequestRunsOnceAcrossInstances(t *testing.T) {
	// The in-memory bus delivers every request to every instance, so only the
	// claim lock keeps the execution from running twice.
	bus := eventsmemory.NewInMemoryEventBus()
	state := storagememory.NewInMemoryStateStorage()
	var calls atomic.Int64

	first := newInstance(t, "node-1", bus, state, &calls, PoolConfig{Size: 2})
	second := newInstance(t, "node-2", bus, state, &calls, PoolConfig{Size: 2})
	require.NoError(t, first.pool.Start())
	require.NoError(t, second.pool.Start())
	require.Equal(t, 2, bus.Subscribers(domain.TopicExecutionRequests))

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := first.pool.Submit(context.Background(), domain.ExecutionRequest{
			Name:         "chain",
			Jobs:         chain(),
			DisableCache: true,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForStatus(t, state, id, domain.ExecutionStatusCompleted)
	}

	// Give late duplicates a chance to run before counting.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 12, calls.Load())
}

func TestPool_DecodeRequestFromJSONBus(t *testing.T) {
	event := domain.Event{
		ExecutionID: "exec-json",
		Data: map[string]any{
			"request": map[string]any{
				"name": "decoded",
				"jobs": []any{
					map[string]any{"id": "a", "kind": "noop"},
					map[string]any{"id": "b", "kind": "noop", "depends_on": []any{"a"}},
				},
				"parallelism": float64(4),
			},
		},
	}

	req, err := decodeRequest(event)
	require.NoError(t, err)
	assert.Equal(t, "exec-json", req.ID)
	assert.Equal(t, "decoded", req.Name)
	assert.Equal(t, 4, req.Parallelism)
	require.Len(t, req.Jobs, 2)
	assert.Equal(t, []string{"a"}, req.Jobs[1].DependsOn)

	_, err = decodeRequest(domain.Event{ID: "empty"})
	assert.Error(t, err)
}

func TestPool_StatusAndHealth(t *testing.T) {
	bus := eventsmemory.NewInMemoryEventBus()
	state := storagememory.NewInMemoryStateStorage()
	var calls atomic.Int64

	var (
		mu          sync.Mutex
		transitions []bool
	)
	inst := newInstance(t, "node-1", bus, state, &calls, PoolConfig{
		Size:                3,
		HealthCheckInterval: 10 * time.Millisecond,
		OnHealthChange: func(healthy bool) {
			mu.Lock()
			transitions = append(transitions, healthy)
			mu.Unlock()
		},
	})
	require.NoError(t, inst.pool.Start())

	status := inst.pool.Health().Check(context.Background())
	assert.Equal(t, 3, status.TotalWorkers)
	assert.Equal(t, 3, status.IdleWorkers)
	assert.True(t, status.StoreHealthy)
	assert.True(t, status.Healthy)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) > 0
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, inst.pool.Shutdown(ctx))

	for _, s := range inst.pool.GetStatus() {
		assert.Equal(t, WorkerStatusStopped, s)
	}
	assert.False(t, inst.pool.Health().IsHealthy(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true}, transitions)
}
