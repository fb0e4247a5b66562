package domain

import (
	"context"
	"fmt"
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a JobRun
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusSkipped   JobStatus = "skipped"
)

// IsTerminal reports whether no further transitions are expected
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusSkipped:
		return true
	}
	return false
}

// IsSuccessful reports whether dependents may consume the job's output
func (s JobStatus) IsSuccessful() bool {
	return s == JobStatusCompleted || s == JobStatusSkipped
}

// OutputLookup gives read-only access to the outputs of jobs in the same execution
type OutputLookup interface {
	Output(jobID string) (any, bool)
}

// Condition decides at runtime whether a job runs. Returning false skips the job;
// returning an error fails it without retry.
type Condition func(ctx context.Context, outputs OutputLookup, executionID string) (bool, error)

// RetryPolicy controls how many times a failed handler is re-invoked
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// Delay returns the wait after the given failed attempt (1-based):
// initialDelay * multiplier^(attempt-1).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil || p.InitialDelay <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ResourceLimits are advisory limits checked before a job runs and enforced by an
// external resource monitor.
type ResourceLimits struct {
	MaxMemoryMB    int64         `json:"max_memory_mb,omitempty" yaml:"max_memory_mb"`
	MaxCPUPercent  float64       `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent"`
	MaxGPUMemoryMB int64         `json:"max_gpu_memory_mb,omitempty" yaml:"max_gpu_memory_mb"`
	MaxDuration    time.Duration `json:"max_duration,omitempty" yaml:"max_duration"`
}

// Validate rejects negative or out-of-range limits
func (l *ResourceLimits) Validate() error {
	if l == nil {
		return nil
	}
	if l.MaxMemoryMB < 0 {
		return fmt.Errorf("max_memory_mb must not be negative: %d", l.MaxMemoryMB)
	}
	if l.MaxCPUPercent < 0 || l.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be within [0, 100]: %v", l.MaxCPUPercent)
	}
	if l.MaxGPUMemoryMB < 0 {
		return fmt.Errorf("max_gpu_memory_mb must not be negative: %d", l.MaxGPUMemoryMB)
	}
	if l.MaxDuration < 0 {
		return fmt.Errorf("max_duration must not be negative: %s", l.MaxDuration)
	}
	return nil
}

// JobSpec is the immutable definition of one job
type JobSpec struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Kind      string         `json:"kind" yaml:"kind"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Config    map[string]any `json:"config,omitempty" yaml:"config"`

	// Condition is an in-process predicate and is not serialized.
	Condition Condition `json:"-" yaml:"-"`
	// ConditionName refers to a predicate registered on the scheduler.
	ConditionName string `json:"condition,omitempty" yaml:"condition"`
	// InlineCondition is set on serialized specs whose Condition could not be
	// encoded. A decoded spec carrying it has lost its predicate and must not run.
	InlineCondition bool `json:"inline_condition,omitempty" yaml:"-"`

	RetryPolicy    *RetryPolicy    `json:"retry_policy,omitempty" yaml:"retry_policy"`
	Timeout        time.Duration   `json:"timeout,omitempty" yaml:"timeout"`
	ResourceLimits *ResourceLimits `json:"resource_limits,omitempty" yaml:"resource_limits"`
}

// HasCondition reports whether the job is conditional
func (j *JobSpec) HasCondition() bool {
	return j.Condition != nil || j.ConditionName != "" || j.InlineCondition
}

// MaxAttempts returns the total number of handler invocations allowed
func (j *JobSpec) MaxAttempts() int {
	if j.RetryPolicy == nil || j.RetryPolicy.MaxRetries < 0 {
		return 1
	}
	return j.RetryPolicy.MaxRetries + 1
}

// JobRun is the execution record of one JobSpec
type JobRun struct {
	JobID       string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Logs        []string   `json:"logs,omitempty"`
	Progress    float64    `json:"progress"`
}

// Clone returns a copy that shares no mutable slices with the receiver
func (r *JobRun) Clone() *JobRun {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Logs != nil {
		cp.Logs = append([]string(nil), r.Logs...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// JobResult is what the state store keeps for a finished job
type JobResult struct {
	Success     bool      `json:"success"`
	Status      JobStatus `json:"status"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// SkippedOutput is the structured output recorded for jobs whose condition was not met
func SkippedOutput() map[string]any {
	return map[string]any{
		"skipped": true,
		"reason":  "condition not met",
	}
}
