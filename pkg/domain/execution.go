package domain

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the status of a DAG run
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution has finished
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Execution is one run of a job DAG
type Execution struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	WorkflowID  string             `json:"workflow_id,omitempty"`
	Status      ExecutionStatus    `json:"status"`
	Paused      bool               `json:"paused"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
	Jobs        map[string]*JobRun `json:"jobs"`
}

// NewExecution creates a running execution with every job seeded to pending
func NewExecution(id, name, workflowID string, jobs []JobSpec) *Execution {
	now := time.Now()
	exec := &Execution{
		ID:         id,
		Name:       name,
		WorkflowID: workflowID,
		Status:     ExecutionStatusRunning,
		StartedAt:  &now,
		Jobs:       make(map[string]*JobRun, len(jobs)),
	}
	for _, job := range jobs {
		exec.Jobs[job.ID] = &JobRun{JobID: job.ID, Status: JobStatusPending}
	}
	return exec
}

// Clone returns a deep copy of the execution record
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Jobs = make(map[string]*JobRun, len(e.Jobs))
	for id, run := range e.Jobs {
		cp.Jobs[id] = run.Clone()
	}
	return &cp
}

// AllSuccessful reports whether every job completed or was skipped
func (e *Execution) AllSuccessful() bool {
	for _, run := range e.Jobs {
		if !run.Status.IsSuccessful() {
			return false
		}
	}
	return true
}

// CountByStatus tallies job runs per status
func (e *Execution) CountByStatus() map[JobStatus]int {
	counts := make(map[JobStatus]int)
	for _, run := range e.Jobs {
		counts[run.Status]++
	}
	return counts
}

// ExecutionState is the state-store view of an execution: the last whole-record
// snapshot plus the per-field values maintained by targeted mutations.
type ExecutionState struct {
	Execution     *Execution           `json:"execution"`
	Status        ExecutionStatus      `json:"status"`
	CurrentJobs   []string             `json:"current_jobs"`
	CompletedJobs []string             `json:"completed_jobs"`
	FailedJobs    []string             `json:"failed_jobs"`
	Results       map[string]JobResult `json:"results"`
	Extra         map[string]string    `json:"extra,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// FanOutKind is the job kind whose output may inject new jobs into a running execution
const FanOutKind = "fan_out"

// FanOutOutput is the output shape of a fan-out job
type FanOutOutput struct {
	GeneratedJobs []JobSpec `json:"generated_jobs"`
	Data          any       `json:"data,omitempty"`
}

// GeneratedJobs extracts job specs embedded in a fan-out job's output. Outputs that
// came back from a JSON store are decoded from the "generated_jobs" field.
func GeneratedJobs(output any) ([]JobSpec, bool) {
	switch v := output.(type) {
	case FanOutOutput:
		return v.GeneratedJobs, len(v.GeneratedJobs) > 0
	case *FanOutOutput:
		if v == nil {
			return nil, false
		}
		return v.GeneratedJobs, len(v.GeneratedJobs) > 0
	case []JobSpec:
		return v, len(v) > 0
	case map[string]any:
		raw, ok := v["generated_jobs"]
		if !ok {
			return nil, false
		}
		if jobs, ok := raw.([]JobSpec); ok {
			return jobs, len(jobs) > 0
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, false
		}
		var jobs []JobSpec
		if err := json.Unmarshal(data, &jobs); err != nil {
			return nil, false
		}
		return jobs, len(jobs) > 0
	}
	return nil, false
}

// ExecutionRequest asks any worker in the cluster to run a job set. It travels
// on the execution.requests topic and is claimed by exactly one worker.
type ExecutionRequest struct {
	ID           string    `json:"id"`
	Name         string    `json:"name" binding:"required"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	Jobs         []JobSpec `json:"jobs" binding:"required"`
	Parallelism  int       `json:"parallelism,omitempty"`
	ForceRerun   bool      `json:"force_rerun,omitempty"`
	DisableCache bool      `json:"disable_cache,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}
