package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fieldRecord     = "record"
	fieldStatus     = "status"
	fieldWorkflowID = "workflow_id"
	fieldUpdatedAt  = "updated_at"
	extraPrefix     = "x:"
)

// updateStatusScript sets the status of an existing execution hash. It returns 0
// when the execution is unknown so callers never create partial records.
var updateStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// StateStorage implements ports.StateStore using Redis
type StateStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStateStorage creates a new Redis state storage
func NewStateStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StateStorage {
	return &StateStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SetExecutionState upserts the whole execution record
func (s *StateStorage) SetExecutionState(ctx context.Context, exec *domain.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	key := getStateKey(exec.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldRecord, data,
			fieldStatus, string(exec.Status),
			fieldWorkflowID, exec.WorkflowID,
			fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano))
		if exec.WorkflowID != "" {
			pipe.SAdd(ctx, getWorkflowKey(exec.WorkflowID), exec.ID)
			s.expire(ctx, pipe, getWorkflowKey(exec.WorkflowID))
		}
		s.expire(ctx, pipe, executionKeys(exec.ID)...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution state: %w", err)
	}

	s.logger.Debug("execution state saved",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(exec.Status)))

	return nil
}

// GetExecutionState assembles the stored view of an execution
func (s *StateStorage) GetExecutionState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	var (
		hashCmd      *redis.MapStringStringCmd
		currentCmd   *redis.StringSliceCmd
		completedCmd *redis.StringSliceCmd
		failedCmd    *redis.StringSliceCmd
		resultsCmd   *redis.MapStringStringCmd
	)

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, getStateKey(executionID))
		currentCmd = pipe.SMembers(ctx, getCurrentJobsKey(executionID))
		completedCmd = pipe.SMembers(ctx, getCompletedJobsKey(executionID))
		failedCmd = pipe.SMembers(ctx, getFailedJobsKey(executionID))
		resultsCmd = pipe.HGetAll(ctx, getResultsKey(executionID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get execution state: %w", err)
	}

	fields := hashCmd.Val()
	raw, ok := fields[fieldRecord]
	if !ok {
		return nil, fmt.Errorf("execution state %s: %w", executionID, domain.ErrNotFound)
	}

	var exec domain.Execution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	state := &domain.ExecutionState{
		Execution:     &exec,
		Status:        domain.ExecutionStatus(fields[fieldStatus]),
		CurrentJobs:   sortedMembers(currentCmd.Val()),
		CompletedJobs: sortedMembers(completedCmd.Val()),
		FailedJobs:    sortedMembers(failedCmd.Val()),
		Results:       make(map[string]domain.JobResult, len(resultsCmd.Val())),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err == nil {
		state.UpdatedAt = ts
	}
	for field, value := range fields {
		if strings.HasPrefix(field, extraPrefix) {
			if state.Extra == nil {
				state.Extra = make(map[string]string)
			}
			state.Extra[strings.TrimPrefix(field, extraPrefix)] = value
		}
	}
	for jobID, value := range resultsCmd.Val() {
		var result domain.JobResult
		if err := json.Unmarshal([]byte(value), &result); err != nil {
			s.logger.Warn("skipping unreadable job result",
				zap.String("execution_id", executionID),
				zap.String("job_id", jobID),
				zap.Error(err))
			continue
		}
		state.Results[jobID] = result
	}

	return state, nil
}

// DeleteExecutionState removes every key belonging to an execution
func (s *StateStorage) DeleteExecutionState(ctx context.Context, executionID string) error {
	workflowID, err := s.client.HGet(ctx, getStateKey(executionID), fieldWorkflowID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read execution state: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, executionKeys(executionID)...)
		if workflowID != "" {
			pipe.SRem(ctx, getWorkflowKey(workflowID), executionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete execution state: %w", err)
	}

	s.logger.Debug("execution state deleted",
		zap.String("execution_id", executionID))

	return nil
}

// UpdateExecutionStatus sets the status and extra fields without touching the record
func (s *StateStorage) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, extra map[string]string) error {
	args := []interface{}{
		fieldStatus, string(status),
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		args = append(args, extraPrefix+k, v)
	}

	updated, err := updateStatusScript.Run(ctx, s.client, []string{getStateKey(executionID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("execution state %s: %w", executionID, domain.ErrNotFound)
	}

	return nil
}

// AddCurrentJob marks a job as in flight
func (s *StateStorage) AddCurrentJob(ctx context.Context, executionID, jobID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, getCurrentJobsKey(executionID), jobID)
		s.expire(ctx, pipe, getCurrentJobsKey(executionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add current job: %w", err)
	}
	return nil
}

// CompleteJob moves a job from the in-flight set to the completed or failed set
// and records its result, all inside one MULTI block.
func (s *StateStorage) CompleteJob(ctx context.Context, executionID, jobID string, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	target := getCompletedJobsKey(executionID)
	if !result.Success {
		target = getFailedJobsKey(executionID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, getCurrentJobsKey(executionID), jobID)
		pipe.SAdd(ctx, target, jobID)
		pipe.HSet(ctx, getResultsKey(executionID), jobID, data)
		s.expire(ctx, pipe, target, getResultsKey(executionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return nil
}

// GetWorkflowExecutions returns the stored state of every execution tagged with workflowID
func (s *StateStorage) GetWorkflowExecutions(ctx context.Context, workflowID string) ([]*domain.ExecutionState, error) {
	ids, err := s.client.SMembers(ctx, getWorkflowKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow executions: %w", err)
	}

	states := make([]*domain.ExecutionState, 0, len(ids))
	var expired []interface{}
	for _, id := range sortedMembers(ids) {
		state, err := s.GetExecutionState(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				expired = append(expired, id)
				continue
			}
			return nil, err
		}
		states = append(states, state)
	}

	if len(expired) > 0 {
		if err := s.client.SRem(ctx, getWorkflowKey(workflowID), expired...).Err(); err != nil {
			s.logger.Warn("failed to prune expired workflow executions",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
	}

	return states, nil
}

// IsHealthy pings Redis
func (s *StateStorage) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// ListExecutionIDs returns all execution IDs that have stored state (for admin purposes)
func (s *StateStorage) ListExecutionIDs(ctx context.Context) ([]string, error) {
	keys, err := scanKeys(ctx, s.client, statePrefix+"*")
	if err != nil {
		return nil, err
	}

	executionIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, statePrefix)
		if id == "" || strings.Contains(id, ":") {
			continue
		}
		executionIDs = append(executionIDs, id)
	}

	return sortedMembers(executionIDs), nil
}

func (s *StateStorage) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, key := range keys {
		pipe.Expire(ctx, key, s.ttl)
	}
}
