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

// InMemoryCheckpointStorage implements ports.CheckpointStore in memory.
// This is for testing and single-process use.
type InMemoryCheckpointStorage struct {
	checkpoints map[string][]byte
	mu          sync.RWMutex
}

// NewInMemoryCheckpointStorage creates a new in-memory checkpoint storage
func NewInMemoryCheckpointStorage() *InMemoryCheckpointStorage {
	return &InMemoryCheckpointStorage{
		checkpoints: make(map[string][]byte),
	}
}

// CreateCheckpoint stores a serialized snapshot
func (c *InMemoryCheckpointStorage) CreateCheckpoint(ctx context.Context, exec *domain.Execution, jobs []domain.JobSpec, opts domain.CheckpointOptions) (string, error) {
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

	c.mu.Lock()
	c.checkpoints[cp.ID] = data
	c.mu.Unlock()

	return cp.ID, nil
}

// RestoreFromCheckpoint returns a fresh copy of the stored snapshot
func (c *InMemoryCheckpointStorage) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*domain.Execution, []domain.JobSpec, error) {
	cp, err := c.load(checkpointID)
	if err != nil {
		return nil, nil, err
	}
	if cp.Execution == nil {
		return nil, nil, fmt.Errorf("checkpoint %s is incomplete: %w", checkpointID, domain.ErrNotFound)
	}
	if cp.Execution.Jobs == nil {
		cp.Execution.Jobs = make(map[string]*domain.JobRun)
	}
	return cp.Execution, cp.Jobs, nil
}

// ListCheckpoints returns checkpoint metadata for an execution, newest first
func (c *InMemoryCheckpointStorage) ListCheckpoints(ctx context.Context, executionID string) ([]domain.CheckpointInfo, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.checkpoints))
	for id := range c.checkpoints {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	infos := make([]domain.CheckpointInfo, 0)
	for _, id := range ids {
		cp, err := c.load(id)
		if err != nil || cp.ExecutionID != executionID {
			continue
		}
		infos = append(infos, cp.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// DeleteCheckpoint removes a checkpoint
func (c *InMemoryCheckpointStorage) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.checkpoints[checkpointID]; !ok {
		return fmt.Errorf("checkpoint %s: %w", checkpointID, domain.ErrNotFound)
	}
	delete(c.checkpoints, checkpointID)
	return nil
}

func (c *InMemoryCheckpointStorage) load(checkpointID string) (*domain.Checkpoint, error) {
	c.mu.RLock()
	data, ok := c.checkpoints[checkpointID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, domain.ErrNotFound)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s is corrupt: %w", checkpointID, domain.ErrNotFound)
	}
	return &cp, nil
}
