package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"github.com/google/uuid"
)

// No-op collaborators used when the scheduler is built without them.
// nopStateStore grants every lock, which is only correct for a single instance.

type nopStateStore struct{}

func (nopStateStore) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (*domain.Lock, bool, error) {
	return &domain.Lock{
		ID:        uuid.New().String(),
		Resource:  resource,
		Owner:     owner,
		ExpiresAt: time.Now().Add(ttl),
	}, true, nil
}

func (nopStateStore) ReleaseLock(ctx context.Context, resource, lockID string) (bool, error) {
	return true, nil
}

func (nopStateStore) ExtendLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (nopStateStore) SetExecutionState(ctx context.Context, exec *domain.Execution) error {
	return nil
}

func (nopStateStore) GetExecutionState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
}

func (nopStateStore) DeleteExecutionState(ctx context.Context, executionID string) error {
	return nil
}

func (nopStateStore) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, extra map[string]string) error {
	return nil
}

func (nopStateStore) AddCurrentJob(ctx context.Context, executionID, jobID string) error {
	return nil
}

func (nopStateStore) CompleteJob(ctx context.Context, executionID, jobID string, result domain.JobResult) error {
	return nil
}

func (nopStateStore) GetWorkflowExecutions(ctx context.Context, workflowID string) ([]*domain.ExecutionState, error) {
	return nil, nil
}

func (nopStateStore) IsHealthy(ctx context.Context) bool {
	return true
}

var errNoCheckpointStore = fmt.Errorf("no checkpoint store configured: %w", domain.ErrNotFound)

type nopCheckpointStore struct{}

func (nopCheckpointStore) CreateCheckpoint(ctx context.Context, exec *domain.Execution, jobs []domain.JobSpec, opts domain.CheckpointOptions) (string, error) {
	return "", errNoCheckpointStore
}

func (nopCheckpointStore) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*domain.Execution, []domain.JobSpec, error) {
	return nil, nil, errNoCheckpointStore
}

func (nopCheckpointStore) ListCheckpoints(ctx context.Context, executionID string) ([]domain.CheckpointInfo, error) {
	return nil, nil
}

func (nopCheckpointStore) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	return errNoCheckpointStore
}

type nopEventBus struct{}

func (nopEventBus) Publish(ctx context.Context, topic string, event domain.Event) error { return nil }
func (nopEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	return nil
}
func (nopEventBus) Unsubscribe(ctx context.Context, topic string) error { return nil }
func (nopEventBus) Close() error                                        { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordExecutionStarted()                                       {}
func (nopMetrics) RecordExecutionFinished(status string, duration time.Duration) {}
func (nopMetrics) RecordJobFinished(kind, status string, duration time.Duration) {}
func (nopMetrics) RecordJobRetry(kind string)                                    {}
func (nopMetrics) RecordCacheLookup(hit bool)                                    {}
func (nopMetrics) RecordLockContention(resource string)                          {}
func (nopMetrics) SetActiveExecutions(count int)                                 {}
func (nopMetrics) SetQueueDepth(queue string, depth int)                         {}
func (nopMetrics) RecordWorkerPoolStatus(idle, busy, stopped int)                {}

type nopAudit struct{}

func (nopAudit) LogExecutionStart(executionID, name string, jobCount int)        {}
func (nopAudit) LogExecutionComplete(executionID string, duration time.Duration) {}
func (nopAudit) LogExecutionFailed(executionID string, err error)                {}
func (nopAudit) LogSecurityViolation(violation domain.ResourceViolation)         {}
func (nopAudit) LogJobTimeout(executionID, jobID string, timeoutMs int64)        {}

type nopMonitor struct{}

func (nopMonitor) StartResourceMonitoring(executionID string, limits map[string]domain.ResourceLimits, onViolation func(domain.ResourceViolation)) {
}
func (nopMonitor) Stop(executionID string) {}

type nopSink struct{}

func (nopSink) SaveJobRun(ctx context.Context, executionID string, run domain.JobRun) error {
	return nil
}
