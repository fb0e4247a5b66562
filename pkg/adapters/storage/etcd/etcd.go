package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Key layout
const (
	CheckpointKeyPrefix = "/jobdag/checkpoints/"
	ExecutionKeyPrefix  = "/jobdag/executions/"
)

// NewClient connects to an etcd cluster
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return cli, nil
}

// CheckpointStorage implements ports.CheckpointStore on etcd.
// Each checkpoint is one key holding the full snapshot plus one index key under
// its execution holding the metadata; both are written in a single transaction.
type CheckpointStorage struct {
	kv     clientv3.KV
	logger *zap.Logger
}

// NewCheckpointStorage creates a checkpoint storage on top of an etcd KV
func NewCheckpointStorage(kv clientv3.KV, logger *zap.Logger) *CheckpointStorage {
	return &CheckpointStorage{
		kv:     kv,
		logger: logger,
	}
}

func checkpointKey(checkpointID string) string {
	return CheckpointKeyPrefix + checkpointID
}

func indexPrefix(executionID string) string {
	return ExecutionKeyPrefix + executionID + "/checkpoints/"
}

func indexKey(executionID, checkpointID string) string {
	return indexPrefix(executionID) + checkpointID
}

// CreateCheckpoint stores a snapshot; it never overwrites an existing key
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
		Execution:   exec,
		Jobs:        jobs,
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	info, err := json.Marshal(cp.Info())
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint info: %w", err)
	}

	key := checkpointKey(cp.ID)
	resp, err := c.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(
			clientv3.OpPut(key, string(data)),
			clientv3.OpPut(indexKey(exec.ID, cp.ID), string(info)),
		).
		Commit()
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if !resp.Succeeded {
		return "", fmt.Errorf("checkpoint %s already exists", cp.ID)
	}

	c.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("execution_id", exec.ID),
		zap.String("trigger", string(cp.Trigger)))

	return cp.ID, nil
}

// RestoreFromCheckpoint loads a snapshot. Unknown and unreadable keys yield domain.ErrNotFound.
func (c *CheckpointStorage) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*domain.Execution, []domain.JobSpec, error) {
	cp, err := c.get(ctx, checkpointID)
	if err != nil {
		return nil, nil, err
	}
	if cp.Execution == nil || cp.Execution.ID == "" {
		return nil, nil, fmt.Errorf("checkpoint %s is incomplete: %w", checkpointID, domain.ErrNotFound)
	}
	if cp.Execution.Jobs == nil {
		cp.Execution.Jobs = make(map[string]*domain.JobRun)
	}
	return cp.Execution, cp.Jobs, nil
}

// ListCheckpoints returns checkpoint metadata for an execution, newest first
func (c *CheckpointStorage) ListCheckpoints(ctx context.Context, executionID string) ([]domain.CheckpointInfo, error) {
	resp, err := c.kv.Get(ctx, indexPrefix(executionID), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	infos := make([]domain.CheckpointInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info domain.CheckpointInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			c.logger.Warn("skipping unreadable checkpoint",
				zap.String("key", string(kv.Key)),
				zap.Error(err))
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// DeleteCheckpoint removes a checkpoint and its index entry
func (c *CheckpointStorage) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	cp, err := c.get(ctx, checkpointID)
	if err != nil {
		return err
	}

	_, err = c.kv.Txn(ctx).
		Then(
			clientv3.OpDelete(checkpointKey(checkpointID)),
			clientv3.OpDelete(indexKey(cp.ExecutionID, checkpointID)),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (c *CheckpointStorage) get(ctx context.Context, checkpointID string) (*domain.Checkpoint, error) {
	resp, err := c.kv.Get(ctx, checkpointKey(checkpointID))
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, domain.ErrNotFound)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(resp.Kvs[0].Value, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s is corrupt: %w", checkpointID, domain.ErrNotFound)
	}
	return &cp, nil
}
