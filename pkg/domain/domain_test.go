package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  *RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 1, 0},
		{"no initial delay", &RetryPolicy{MaxRetries: 3}, 2, 0},
		{"first attempt", &RetryPolicy{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2}, 1, 100 * time.Millisecond},
		{"third attempt", &RetryPolicy{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2}, 3, 400 * time.Millisecond},
		{"zero multiplier is constant", &RetryPolicy{InitialDelay: time.Second}, 5, time.Second},
		{"attempt below one", &RetryPolicy{InitialDelay: time.Second, BackoffMultiplier: 3}, 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestRetryPolicy_DelayNeverShrinks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := &RetryPolicy{
			InitialDelay:      time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "initial")),
			BackoffMultiplier: rapid.Float64Range(1, 10).Draw(t, "multiplier"),
		}
		attempt := rapid.IntRange(1, 80).Draw(t, "attempt")

		if policy.Delay(attempt+1) < policy.Delay(attempt) {
			t.Fatalf("delay shrank between attempts %d and %d", attempt, attempt+1)
		}
	})
}

func TestJobSpec_MaxAttempts(t *testing.T) {
	assert.Equal(t, 1, (&JobSpec{}).MaxAttempts())
	assert.Equal(t, 1, (&JobSpec{RetryPolicy: &RetryPolicy{MaxRetries: -1}}).MaxAttempts())
	assert.Equal(t, 4, (&JobSpec{RetryPolicy: &RetryPolicy{MaxRetries: 3}}).MaxAttempts())
}

func TestResourceLimits_Validate(t *testing.T) {
	var nilLimits *ResourceLimits
	assert.NoError(t, nilLimits.Validate())
	assert.NoError(t, (&ResourceLimits{MaxMemoryMB: 512, MaxCPUPercent: 50}).Validate())
	assert.Error(t, (&ResourceLimits{MaxMemoryMB: -1}).Validate())
	assert.Error(t, (&ResourceLimits{MaxCPUPercent: 101}).Validate())
	assert.Error(t, (&ResourceLimits{MaxGPUMemoryMB: -5}).Validate())
	assert.Error(t, (&ResourceLimits{MaxDuration: -time.Second}).Validate())
}

func TestErrors_Classification(t *testing.T) {
	cause := fmt.Errorf("boom")
	jobErr := NewJobError("a", ErrHandler, cause)

	assert.True(t, errors.Is(jobErr, ErrHandler))
	assert.True(t, errors.Is(jobErr, cause))
	assert.Equal(t, "job a: handler error: boom", jobErr.Error())
	assert.Equal(t, "job b: job timed out", NewJobError("b", ErrTimeout, nil).Error())

	validation := &ValidationError{Issues: []GraphIssue{
		{Kind: IssueCycle, JobID: "a", Message: "cycle a -> b -> a"},
		{Kind: IssueSelfDependency, JobID: "c", Message: "c depends on itself"},
	}}
	assert.True(t, errors.Is(validation, ErrValidation))
	assert.Contains(t, validation.Error(), "cycle a -> b -> a; c depends on itself")

	var target *ValidationError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", validation), &target))
	assert.Len(t, target.Issues, 2)

	assert.True(t, IsRetryable(cause))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(NewJobError("a", ErrConfiguration, cause)))
}

func TestExecution_Helpers(t *testing.T) {
	exec := NewExecution("e1", "demo", "wf", []JobSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	assert.Equal(t, ExecutionStatusRunning, exec.Status)
	assert.NotNil(t, exec.StartedAt)
	assert.Equal(t, 3, exec.CountByStatus()[JobStatusPending])
	assert.False(t, exec.AllSuccessful())

	clone := exec.Clone()
	clone.Jobs["a"].Status = JobStatusCompleted
	assert.Equal(t, JobStatusPending, exec.Jobs["a"].Status)

	exec.Jobs["a"].Status = JobStatusCompleted
	exec.Jobs["b"].Status = JobStatusSkipped
	exec.Jobs["c"].Status = JobStatusCompleted
	assert.True(t, exec.AllSuccessful())

	exec.Jobs["c"].Status = JobStatusFailed
	assert.False(t, exec.AllSuccessful())

	assert.True(t, ExecutionStatusCancelled.IsTerminal())
	assert.False(t, ExecutionStatusPending.IsTerminal())
	assert.True(t, JobStatusSkipped.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
}

func TestGeneratedJobs(t *testing.T) {
	jobs := []JobSpec{{ID: "x", Kind: "noop"}}

	got, ok := GeneratedJobs(FanOutOutput{GeneratedJobs: jobs})
	assert.True(t, ok)
	assert.Equal(t, jobs, got)

	_, ok = GeneratedJobs(&FanOutOutput{})
	assert.False(t, ok)

	_, ok = GeneratedJobs((*FanOutOutput)(nil))
	assert.False(t, ok)

	// Shape produced after a round trip through a JSON store
	got, ok = GeneratedJobs(map[string]any{
		"generated_jobs": []any{
			map[string]any{"id": "y", "kind": "noop", "depends_on": []any{"x"}},
		},
	})
	require.True(t, ok)
	assert.Equal(t, "y", got[0].ID)
	assert.Equal(t, []string{"x"}, got[0].DependsOn)

	_, ok = GeneratedJobs(map[string]any{"other": 1})
	assert.False(t, ok)

	_, ok = GeneratedJobs("plain output")
	assert.False(t, ok)
}

func TestViolationSeverity_ForcesCancellation(t *testing.T) {
	assert.False(t, SeverityLow.ForcesCancellation())
	assert.False(t, SeverityMedium.ForcesCancellation())
	assert.True(t, SeverityHigh.ForcesCancellation())
	assert.True(t, SeverityCritical.ForcesCancellation())
}

func TestJobSpec_JSONDurations(t *testing.T) {
	var spec JobSpec
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "train",
		"kind": "noop",
		"timeout": "30s",
		"retry_policy": {"max_retries": 2, "initial_delay": "250ms", "backoff_multiplier": 2},
		"resource_limits": {"max_memory_mb": 512, "max_duration": "1m"}
	}`), &spec))
	assert.Equal(t, "train", spec.ID)
	assert.Equal(t, 30*time.Second, spec.Timeout)
	require.NotNil(t, spec.RetryPolicy)
	assert.Equal(t, 2, spec.RetryPolicy.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, spec.RetryPolicy.InitialDelay)
	require.NotNil(t, spec.ResourceLimits)
	assert.Equal(t, int64(512), spec.ResourceLimits.MaxMemoryMB)
	assert.Equal(t, time.Minute, spec.ResourceLimits.MaxDuration)

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "30s", raw["timeout"])
	assert.Equal(t, "250ms", raw["retry_policy"].(map[string]any)["initial_delay"])
	assert.Equal(t, "1m0s", raw["resource_limits"].(map[string]any)["max_duration"])

	// Records written as nanoseconds still decode.
	var legacy JobSpec
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","timeout":1000000000}`), &legacy))
	assert.Equal(t, time.Second, legacy.Timeout)

	var bad JobSpec
	assert.Error(t, json.Unmarshal([]byte(`{"id":"x","timeout":"soon"}`), &bad))

	data, err = json.Marshal(JobSpec{ID: "plain"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "timeout")
	assert.NotContains(t, string(data), "inline_condition")
}

func TestJobSpec_InlineConditionSurvivesAsMarker(t *testing.T) {
	spec := JobSpec{
		ID: "b",
		Condition: func(ctx context.Context, outputs OutputLookup, executionID string) (bool, error) {
			return false, nil
		},
	}

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"inline_condition":true`)

	var decoded JobSpec
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded.Condition)
	assert.True(t, decoded.InlineCondition)
	assert.True(t, decoded.HasCondition())
}
