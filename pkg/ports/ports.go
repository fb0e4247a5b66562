// Package ports defines the interfaces between the orchestration core and its adapters.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
)

// StateStore provides distributed locks and durable execution state shared by
// cooperating scheduler instances.
type StateStore interface {
	// AcquireLock atomically takes a TTL lock. acquired is false, with a nil error,
	// when another owner holds a live lock on the resource.
	AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (lock *domain.Lock, acquired bool, err error)
	// ReleaseLock releases the lock only if lockID still identifies the holder.
	ReleaseLock(ctx context.Context, resource, lockID string) (bool, error)
	// ExtendLock pushes the expiry of a held lock.
	ExtendLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error)

	SetExecutionState(ctx context.Context, exec *domain.Execution) error
	GetExecutionState(ctx context.Context, executionID string) (*domain.ExecutionState, error)
	DeleteExecutionState(ctx context.Context, executionID string) error

	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, extra map[string]string) error
	AddCurrentJob(ctx context.Context, executionID, jobID string) error
	CompleteJob(ctx context.Context, executionID, jobID string, result domain.JobResult) error

	GetWorkflowExecutions(ctx context.Context, workflowID string) ([]*domain.ExecutionState, error)
	IsHealthy(ctx context.Context) bool
}

// CheckpointStore persists restorable execution snapshots
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, exec *domain.Execution, jobs []domain.JobSpec, opts domain.CheckpointOptions) (string, error)
	RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*domain.Execution, []domain.JobSpec, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]domain.CheckpointInfo, error)
	DeleteCheckpoint(ctx context.Context, checkpointID string) error
}

// CacheStore is the backing store of the result cache
type CacheStore interface {
	// Get returns domain.ErrNotFound on a miss.
	Get(ctx context.Context, key string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry *domain.CacheEntry) error
	// Touch records an access to the entry.
	Touch(ctx context.Context, key string, at time.Time) error
	// DeleteMatching removes every entry whose key contains pattern.
	DeleteMatching(ctx context.Context, pattern string) (int, error)
}

// EventHandler handles one event delivered by the bus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes and delivers events by topic
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// MetricsCollector records orchestration metrics
type MetricsCollector interface {
	RecordExecutionStarted()
	RecordExecutionFinished(status string, duration time.Duration)
	RecordJobFinished(kind, status string, duration time.Duration)
	RecordJobRetry(kind string)
	RecordCacheLookup(hit bool)
	RecordLockContention(resource string)
	SetActiveExecutions(count int)
	SetQueueDepth(queue string, depth int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// AuditObserver receives audit events about executions
type AuditObserver interface {
	LogExecutionStart(executionID, name string, jobCount int)
	LogExecutionComplete(executionID string, duration time.Duration)
	LogExecutionFailed(executionID string, err error)
	LogSecurityViolation(violation domain.ResourceViolation)
	LogJobTimeout(executionID, jobID string, timeoutMs int64)
}

// ResourceMonitor watches running executions for limit violations
type ResourceMonitor interface {
	StartResourceMonitoring(executionID string, limits map[string]domain.ResourceLimits, onViolation func(domain.ResourceViolation))
	Stop(executionID string)
}

// PersistenceSink receives finished job runs for durable storage by the host.
// Implementations must not block the caller.
type PersistenceSink interface {
	SaveJobRun(ctx context.Context, executionID string, run domain.JobRun) error
}
