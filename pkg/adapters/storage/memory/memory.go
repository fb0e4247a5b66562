package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/google/uuid"
)

type executionRecord struct {
	record     []byte
	workflowID string
	status     domain.ExecutionStatus
	extra      map[string]string
	current    map[string]struct{}
	completed  map[string]struct{}
	failed     map[string]struct{}
	results    map[string][]byte
	updatedAt  time.Time
}

type lockRecord struct {
	id        string
	owner     string
	expiresAt time.Time
}

// InMemoryStateStorage implements ports.StateStore using in-memory maps.
// Records are stored serialized so callers never share mutable state with the store.
// State TTL is not implemented; lock TTLs are.
type InMemoryStateStorage struct {
	executions map[string]*executionRecord
	workflows  map[string]map[string]struct{}
	locks      map[string]*lockRecord
	mu         sync.Mutex
	now        func() time.Time
}

// NewInMemoryStateStorage creates a new in-memory state storage
func NewInMemoryStateStorage() *InMemoryStateStorage {
	return &InMemoryStateStorage{
		executions: make(map[string]*executionRecord),
		workflows:  make(map[string]map[string]struct{}),
		locks:      make(map[string]*lockRecord),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for lock expiry
func (s *InMemoryStateStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AcquireLock takes the lock if it is free, expired, or already held by owner
func (s *InMemoryStateStorage) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (*domain.Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, held := s.locks[resource]
	if held && now.After(current.expiresAt) {
		held = false
	}
	if held && current.owner != owner {
		return nil, false, nil
	}

	if !held {
		current = &lockRecord{id: uuid.New().String(), owner: owner}
		s.locks[resource] = current
	}
	current.expiresAt = now.Add(ttl)

	return &domain.Lock{
		ID:        current.id,
		Resource:  resource,
		Owner:     owner,
		ExpiresAt: current.expiresAt,
	}, true, nil
}

// ReleaseLock releases the lock if lockID identifies the live holder
func (s *InMemoryStateStorage) ReleaseLock(ctx context.Context, resource, lockID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.liveLock(resource)
	if !ok || current.id != lockID {
		return false, nil
	}
	delete(s.locks, resource)
	return true, nil
}

// ExtendLock pushes the expiry of the live lock identified by lockID
func (s *InMemoryStateStorage) ExtendLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.liveLock(resource)
	if !ok || current.id != lockID {
		return false, nil
	}
	current.expiresAt = s.now().Add(ttl)
	return true, nil
}

func (s *InMemoryStateStorage) liveLock(resource string) (*lockRecord, bool) {
	current, ok := s.locks[resource]
	if !ok {
		return nil, false
	}
	if s.now().After(current.expiresAt) {
		delete(s.locks, resource)
		return nil, false
	}
	return current, true
}

// SetExecutionState upserts the whole execution record
func (s *InMemoryStateStorage) SetExecutionState(ctx context.Context, exec *domain.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recordFor(exec.ID)
	rec.record = data
	rec.status = exec.Status
	rec.workflowID = exec.WorkflowID
	rec.updatedAt = s.now()

	if exec.WorkflowID != "" {
		members, ok := s.workflows[exec.WorkflowID]
		if !ok {
			members = make(map[string]struct{})
			s.workflows[exec.WorkflowID] = members
		}
		members[exec.ID] = struct{}{}
	}

	return nil
}

// GetExecutionState returns the stored view of an execution
func (s *InMemoryStateStorage) GetExecutionState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stateLocked(executionID)
}

func (s *InMemoryStateStorage) stateLocked(executionID string) (*domain.ExecutionState, error) {
	rec, ok := s.executions[executionID]
	if !ok || rec.record == nil {
		return nil, fmt.Errorf("execution state %s: %w", executionID, domain.ErrNotFound)
	}

	var exec domain.Execution
	if err := json.Unmarshal(rec.record, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	state := &domain.ExecutionState{
		Execution:     &exec,
		Status:        rec.status,
		CurrentJobs:   setMembers(rec.current),
		CompletedJobs: setMembers(rec.completed),
		FailedJobs:    setMembers(rec.failed),
		Results:       make(map[string]domain.JobResult, len(rec.results)),
		UpdatedAt:     rec.updatedAt,
	}
	if len(rec.extra) > 0 {
		state.Extra = make(map[string]string, len(rec.extra))
		for k, v := range rec.extra {
			state.Extra[k] = v
		}
	}
	for jobID, data := range rec.results {
		var result domain.JobResult
		if err := json.Unmarshal(data, &result); err != nil {
			continue
		}
		state.Results[jobID] = result
	}

	return state, nil
}

// DeleteExecutionState removes an execution
func (s *InMemoryStateStorage) DeleteExecutionState(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.executions[executionID]; ok && rec.workflowID != "" {
		delete(s.workflows[rec.workflowID], executionID)
	}
	delete(s.executions, executionID)
	return nil
}

// UpdateExecutionStatus sets status and extra fields of a known execution
func (s *InMemoryStateStorage) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, extra map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[executionID]
	if !ok || rec.record == nil {
		return fmt.Errorf("execution state %s: %w", executionID, domain.ErrNotFound)
	}
	rec.status = status
	rec.updatedAt = s.now()
	for k, v := range extra {
		if rec.extra == nil {
			rec.extra = make(map[string]string)
		}
		rec.extra[k] = v
	}
	return nil
}

// AddCurrentJob marks a job as in flight
func (s *InMemoryStateStorage) AddCurrentJob(ctx context.Context, executionID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordFor(executionID).current[jobID] = struct{}{}
	return nil
}

// CompleteJob moves a job out of the in-flight set and records its result
func (s *InMemoryStateStorage) CompleteJob(ctx context.Context, executionID, jobID string, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recordFor(executionID)
	delete(rec.current, jobID)
	if result.Success {
		rec.completed[jobID] = struct{}{}
	} else {
		rec.failed[jobID] = struct{}{}
	}
	rec.results[jobID] = data
	return nil
}

// GetWorkflowExecutions returns every execution tagged with workflowID
func (s *InMemoryStateStorage) GetWorkflowExecutions(ctx context.Context, workflowID string) ([]*domain.ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := setMembers(s.workflows[workflowID])
	states := make([]*domain.ExecutionState, 0, len(ids))
	for _, id := range ids {
		state, err := s.stateLocked(id)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// IsHealthy always reports true for in-memory storage
func (s *InMemoryStateStorage) IsHealthy(ctx context.Context) bool {
	return true
}

func (s *InMemoryStateStorage) recordFor(executionID string) *executionRecord {
	rec, ok := s.executions[executionID]
	if !ok {
		rec = &executionRecord{
			current:   make(map[string]struct{}),
			completed: make(map[string]struct{}),
			failed:    make(map[string]struct{}),
			results:   make(map[string][]byte),
		}
		s.executions[executionID] = rec
	}
	return rec
}

func setMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}
