package domain

import "time"

// CacheEntry is a previously produced job output addressed by its fingerprint
type CacheEntry struct {
	Key                   string    `json:"key"`
	Output                any       `json:"output"`
	ProducedByExecutionID string    `json:"produced_by_execution_id"`
	ProducedByJobID       string    `json:"produced_by_job_id"`
	CreatedAt             time.Time `json:"created_at"`
	LastAccessedAt        time.Time `json:"last_accessed_at"`
	AccessCount           int64     `json:"access_count"`
}

// Lock is a TTL mutual-exclusion lock on a resource
type Lock struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CheckpointTrigger records why a checkpoint was taken
type CheckpointTrigger string

const (
	CheckpointTriggerManual    CheckpointTrigger = "manual"
	CheckpointTriggerAutomatic CheckpointTrigger = "automatic"
)

// CheckpointOptions tags a checkpoint at creation time
type CheckpointOptions struct {
	Trigger  CheckpointTrigger `json:"trigger"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Checkpoint is an immutable snapshot of an execution and the jobs that produced it
type Checkpoint struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Trigger     CheckpointTrigger `json:"trigger"`
	Name        string            `json:"name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Execution   *Execution        `json:"execution,omitempty"`
	Jobs        []JobSpec         `json:"jobs,omitempty"`
}

// CheckpointInfo describes a checkpoint without its payload
type CheckpointInfo struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Trigger     CheckpointTrigger `json:"trigger"`
	Name        string            `json:"name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Info strips the payload from a checkpoint
func (c *Checkpoint) Info() CheckpointInfo {
	return CheckpointInfo{
		ID:          c.ID,
		ExecutionID: c.ExecutionID,
		Trigger:     c.Trigger,
		Name:        c.Name,
		Metadata:    c.Metadata,
		CreatedAt:   c.CreatedAt,
	}
}

// ViolationSeverity grades a resource limit violation
type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "low"
	SeverityMedium   ViolationSeverity = "medium"
	SeverityHigh     ViolationSeverity = "high"
	SeverityCritical ViolationSeverity = "critical"
)

// ForcesCancellation reports whether the violation must stop the execution
func (s ViolationSeverity) ForcesCancellation() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ResourceUsage is a sample reported by an external meter
type ResourceUsage struct {
	MemoryMB    int64         `json:"memory_mb"`
	CPUPercent  float64       `json:"cpu_percent"`
	GPUMemoryMB int64         `json:"gpu_memory_mb"`
	Elapsed     time.Duration `json:"elapsed"`
}

// ResourceViolation describes a job exceeding its declared limits
type ResourceViolation struct {
	ExecutionID string            `json:"execution_id"`
	JobID       string            `json:"job_id"`
	Resource    string            `json:"resource"`
	Limit       float64           `json:"limit"`
	Observed    float64           `json:"observed"`
	Severity    ViolationSeverity `json:"severity"`
	DetectedAt  time.Time         `json:"detected_at"`
}
