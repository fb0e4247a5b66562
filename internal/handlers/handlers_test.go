package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/jobdag/internal/application/orchestrator"
	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeContext struct {
	mu       sync.Mutex
	logs     []string
	progress float64
}

func (f *fakeContext) ExecutionID() string { return "exec-1" }

func (f *fakeContext) Log(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, msg)
}

func (f *fakeContext) GetOutput(jobID string) (any, bool) { return nil, false }

func (f *fakeContext) UpdateProgress(percent float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = percent
}

func TestNoop(t *testing.T) {
	jc := &fakeContext{}

	out, err := Noop(context.Background(), domain.JobSpec{ID: "a"}, jc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"job": "a", "execution_id": "exec-1"}, out)
	assert.Equal(t, float64(100), jc.progress)

	out, err = Noop(context.Background(), domain.JobSpec{ID: "b", Config: map[string]any{"output": 42}}, jc)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestNoop_Sleep(t *testing.T) {
	tests := []struct {
		name    string
		sleep   any
		wantErr error
	}{
		{name: "duration string", sleep: "5ms"},
		{name: "milliseconds", sleep: float64(5)},
		{name: "garbage", sleep: "soon", wantErr: domain.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Noop(context.Background(), domain.JobSpec{ID: "s", Config: map[string]any{"sleep": tt.sleep}}, &fakeContext{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNoop_SleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Noop(ctx, domain.JobSpec{ID: "s", Config: map[string]any{"sleep": "1h"}}, &fakeContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFanOut(t *testing.T) {
	jc := &fakeContext{}
	spec := domain.JobSpec{
		ID:   "split",
		Name: "split",
		Kind: KindFanOut,
		Config: map[string]any{
			"items":      []any{"x", "y"},
			"kind":       "noop",
			"depends_on": []any{"prep"},
			"config":     map[string]any{"mode": "fast"},
		},
	}

	out, err := FanOut(context.Background(), spec, jc)
	require.NoError(t, err)

	jobs, ok := domain.GeneratedJobs(out)
	require.True(t, ok)
	require.Len(t, jobs, 2)
	assert.Equal(t, "split-0", jobs[0].ID)
	assert.Equal(t, "split-1", jobs[1].ID)
	assert.Equal(t, []string{"prep"}, jobs[1].DependsOn)
	assert.Equal(t, map[string]any{"mode": "fast", "item": "y"}, jobs[1].Config)
	assert.Len(t, jc.logs, 1)
}

func TestFanOut_Count(t *testing.T) {
	out, err := FanOut(context.Background(), domain.JobSpec{ID: "n", Config: map[string]any{"count": 3}}, &fakeContext{})
	require.NoError(t, err)

	jobs, ok := domain.GeneratedJobs(out)
	require.True(t, ok)
	require.Len(t, jobs, 3)
	assert.Equal(t, KindNoop, jobs[2].Kind)
	assert.Equal(t, 2, jobs[2].Config["item"])
}

func TestFanOut_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
	}{
		{name: "missing items", config: map[string]any{}},
		{name: "items not a list", config: map[string]any{"items": "abc"}},
		{name: "negative count", config: map[string]any{"count": -1}},
		{name: "fractional count", config: map[string]any{"count": 1.5}},
		{name: "bad depends_on", config: map[string]any{"count": 1, "depends_on": []any{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FanOut(context.Background(), domain.JobSpec{ID: "bad", Config: tt.config}, &fakeContext{})
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestRegister_RunsFanOutExecution(t *testing.T) {
	s := orchestrator.New(orchestrator.Config{Logger: zap.NewNop()})
	Register(s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	exec, err := s.Execute(context.Background(), "fan", []domain.JobSpec{
		{ID: "prep", Kind: KindNoop},
		{ID: "split", Kind: KindFanOut, DependsOn: []string{"prep"}, Config: map[string]any{"count": 3, "depends_on": []any{"prep"}}},
	}, orchestrator.ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Len(t, exec.Jobs, 5)
	for _, id := range []string{"split-0", "split-1", "split-2"} {
		require.Contains(t, exec.Jobs, id)
		assert.Equal(t, domain.JobStatusCompleted, exec.Jobs[id].Status)
	}
}
