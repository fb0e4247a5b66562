package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fieldCheckpointInfo      = "info"
	fieldCheckpointExecution = "execution"
	fieldCheckpointJobs      = "jobs"
)

// CheckpointStorage implements ports.CheckpointStore using Redis hashes.
// A checkpoint is written with a single HSET inside MULTI so readers never see
// a partial record.
type CheckpointStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewCheckpointStorage creates a new Redis checkpoint storage
func NewCheckpointStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *CheckpointStorage {
	return &CheckpointStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// CreateCheckpoint serializes the execution and its job specs
func (c *CheckpointStorage) CreateCheckpoint(ctx context.Context, exec *domain.Execution, jobs []domain.JobSpec, opts domain.CheckpointOptions) (string, error) {
	if exec == nil {
		return "", fmt.Errorf("execution is required")
	}
	if opts.Trigger == "" {
		opts.Trigger = domain.CheckpointTriggerManual
	}

	cp := domain.Checkpoint{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Trigger:     opts.Trigger,
		Name:        opts.Name,
		Metadata:    opts.Metadata,
		CreatedAt:   time.Now().UTC(),
	}

	info, err := json.Marshal(cp.Info())
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint info: %w", err)
	}
	execData, err := json.Marshal(exec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution: %w", err)
	}
	jobsData, err := json.Marshal(jobs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job specs: %w", err)
	}

	key := getCheckpointKey(cp.ID)
	indexKey := getCheckpointIndexKey(exec.ID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldCheckpointInfo, info,
			fieldCheckpointExecution, execData,
			fieldCheckpointJobs, jobsData)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(cp.CreatedAt.UnixNano()), Member: cp.ID})
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
			pipe.Expire(ctx, indexKey, c.ttl)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	c.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("execution_id", exec.ID),
		zap.String("trigger", string(cp.Trigger)))

	return cp.ID, nil
}

// RestoreFromCheckpoint loads a checkpoint. Unknown and incomplete records both
// yield domain.ErrNotFound.
func (c *CheckpointStorage) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*domain.Execution, []domain.JobSpec, error) {
	fields, err := c.client.HGetAll(ctx, getCheckpointKey(checkpointID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	execData, okExec := fields[fieldCheckpointExecution]
	jobsData, okJobs := fields[fieldCheckpointJobs]
	if !okExec || !okJobs {
		return nil, nil, fmt.Errorf("checkpoint %s: %w", checkpointID, domain.ErrNotFound)
	}

	var exec domain.Execution
	if err := json.Unmarshal([]byte(execData), &exec); err != nil || exec.ID == "" {
		return nil, nil, fmt.Errorf("checkpoint %s is corrupt: %w", checkpointID, domain.ErrNotFound)
	}
	var jobs []domain.JobSpec
	if err := json.Unmarshal([]byte(jobsData), &jobs); err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s is corrupt: %w", checkpointID, domain.ErrNotFound)
	}
	if exec.Jobs == nil {
		exec.Jobs = make(map[string]*domain.JobRun)
	}

	return &exec, jobs, nil
}

// ListCheckpoints returns checkpoint metadata for an execution, newest first
func (c *CheckpointStorage) ListCheckpoints(ctx context.Context, executionID string) ([]domain.CheckpointInfo, error) {
	ids, err := c.client.ZRevRange(ctx, getCheckpointIndexKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	infos := make([]domain.CheckpointInfo, 0, len(ids))
	for _, id := range ids {
		raw, err := c.client.HGet(ctx, getCheckpointKey(id), fieldCheckpointInfo).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to get checkpoint info: %w", err)
		}
		var info domain.CheckpointInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			c.logger.Warn("skipping unreadable checkpoint",
				zap.String("checkpoint_id", id),
				zap.Error(err))
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// DeleteCheckpoint removes a checkpoint and its index entry
func (c *CheckpointStorage) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	raw, err := c.client.HGet(ctx, getCheckpointKey(checkpointID), fieldCheckpointInfo).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("checkpoint %s: %w", checkpointID, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to get checkpoint: %w", err)
	}

	var info domain.CheckpointInfo
	_ = json.Unmarshal([]byte(raw), &info)

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, getCheckpointKey(checkpointID))
		if info.ExecutionID != "" {
			pipe.ZRem(ctx, getCheckpointIndexKey(info.ExecutionID), checkpointID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return nil
}
