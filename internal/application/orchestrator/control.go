package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"go.uber.org/zap"
)

// Cancel stops an execution. Pending and running jobs are marked cancelled;
// handlers observe cancellation through their context.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	r, err := s.lookup(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	exec := r.exec
	if exec.Status.IsTerminal() {
		status := exec.Status
		r.mu.Unlock()
		return fmt.Errorf("execution %s already in terminal state %s: %w", executionID, status, domain.ErrInvalidState)
	}

	now := time.Now()
	r.cancelled = true
	exec.Status = domain.ExecutionStatusCancelled
	exec.Paused = false
	exec.Error = domain.ErrExecutionCancelled.Error()
	exec.CompletedAt = &now
	for _, jr := range exec.Jobs {
		if !jr.Status.IsTerminal() {
			jr.Status = domain.JobStatusCancelled
			jr.CompletedAt = &now
		}
	}
	cancel := r.cancel
	active := r.active
	snapshot := exec.Clone()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := s.state.SetExecutionState(ctx, snapshot); err != nil {
		s.logger.Warn("failed to save cancelled state",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
	s.updateStatus(ctx, executionID, domain.ExecutionStatusCancelled, map[string]string{"error": snapshot.Error})
	s.audit.LogExecutionFailed(executionID, domain.ErrExecutionCancelled)
	s.publish(ctx, domain.TopicExecutionEvents, domain.EventTypeExecutionCancelled, executionID, "", nil)

	if !active {
		var duration time.Duration
		if snapshot.StartedAt != nil {
			duration = now.Sub(*snapshot.StartedAt)
		}
		s.metrics.RecordExecutionFinished(string(domain.ExecutionStatusCancelled), duration)
	}

	s.logger.Info("execution cancelled",
		zap.String("execution_id", executionID))
	return nil
}

// Pause stops new job launches; in-flight jobs finish. With createCheckpoint a
// manual checkpoint of the current state is written and its id returned.
func (s *Scheduler) Pause(ctx context.Context, executionID string, createCheckpoint bool) (string, error) {
	r, err := s.lookup(executionID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.exec.Status != domain.ExecutionStatusRunning || r.exec.Paused {
		status, paused := r.exec.Status, r.exec.Paused
		r.mu.Unlock()
		return "", fmt.Errorf("cannot pause execution %s (status %s, paused %t): %w", executionID, status, paused, domain.ErrInvalidState)
	}
	r.exec.Paused = true
	snapshot := r.exec.Clone()
	r.mu.Unlock()

	if err := s.state.SetExecutionState(ctx, snapshot); err != nil {
		s.logger.Warn("failed to save paused state",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
	s.publish(ctx, domain.TopicExecutionEvents, domain.EventTypeExecutionPaused, executionID, "", nil)
	s.logger.Info("execution pause requested",
		zap.String("execution_id", executionID))

	if !createCheckpoint {
		return "", nil
	}

	checkpointID, err := s.checkpoint(ctx, r, domain.CheckpointOptions{
		Trigger: domain.CheckpointTriggerManual,
		Name:    "pause",
	})
	if err != nil {
		return "", fmt.Errorf("execution paused but checkpoint failed: %w", err)
	}
	return checkpointID, nil
}

// Resume clears the paused flag. If the layer loop already stopped it is
// restarted in the background; use Wait to block until it stops again.
func (s *Scheduler) Resume(ctx context.Context, executionID string) (*domain.Execution, error) {
	r, err := s.lookup(executionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.exec.Status != domain.ExecutionStatusRunning || !r.exec.Paused {
		status, paused := r.exec.Status, r.exec.Paused
		r.mu.Unlock()
		return nil, fmt.Errorf("cannot resume execution %s (status %s, paused %t): %w", executionID, status, paused, domain.ErrInvalidState)
	}
	r.exec.Paused = false
	restart := !r.active
	if restart {
		r.active = true
		r.done = make(chan struct{})
	}
	snapshot := r.exec.Clone()
	r.mu.Unlock()

	if err := s.state.SetExecutionState(ctx, snapshot); err != nil {
		s.logger.Warn("failed to save resumed state",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
	s.publish(ctx, domain.TopicExecutionEvents, domain.EventTypeExecutionResumed, executionID, "", nil)
	s.logger.Info("execution resumed",
		zap.String("execution_id", executionID),
		zap.Bool("restarted", restart))

	if restart {
		r.resetInterrupted()
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if _, err := s.drive(s.baseCtx, r); err != nil {
				s.logger.Warn("resumed execution ended with error",
					zap.String("execution_id", executionID),
					zap.Error(err))
			}
		}()
	}

	return snapshot, nil
}

// CreateCheckpoint writes a manual checkpoint of a running execution
func (s *Scheduler) CreateCheckpoint(ctx context.Context, executionID, name string, metadata map[string]string) (string, error) {
	r, err := s.lookup(executionID)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	status := r.exec.Status
	r.mu.RUnlock()
	if status != domain.ExecutionStatusRunning {
		return "", fmt.Errorf("cannot checkpoint execution %s with status %s: %w", executionID, status, domain.ErrInvalidState)
	}

	return s.checkpoint(ctx, r, domain.CheckpointOptions{
		Trigger:  domain.CheckpointTriggerManual,
		Name:     name,
		Metadata: metadata,
	})
}

func (s *Scheduler) checkpoint(ctx context.Context, r *run, opts domain.CheckpointOptions) (string, error) {
	r.mu.RLock()
	exec := r.exec.Clone()
	jobs := append([]domain.JobSpec(nil), r.jobs...)
	r.mu.RUnlock()

	checkpointID, err := s.checkpoints.CreateCheckpoint(ctx, exec, jobs, opts)
	if err != nil {
		s.logger.Error("failed to create checkpoint",
			zap.String("execution_id", exec.ID),
			zap.String("trigger", string(opts.Trigger)),
			zap.Error(err))
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}

	s.publish(ctx, domain.TopicExecutionEvents, domain.EventTypeCheckpointCreated, exec.ID, "", map[string]any{
		"checkpoint_id": checkpointID,
		"trigger":       string(opts.Trigger),
		"name":          opts.Name,
	})
	return checkpointID, nil
}

// ResumeFromCheckpoint loads a checkpoint into this instance. A restored
// running execution comes back paused with interrupted jobs reset to pending;
// call Resume to continue it.
func (s *Scheduler) ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*domain.Execution, error) {
	exec, jobs, err := s.checkpoints.RestoreFromCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	if existing, ok := s.runs.Load(exec.ID); ok {
		prev := existing.(*run)
		prev.mu.RLock()
		busy := prev.active
		prev.mu.RUnlock()
		if busy {
			return nil, fmt.Errorf("execution %s is running on this instance: %w", exec.ID, domain.ErrInvalidState)
		}
	}

	if exec.Status == domain.ExecutionStatusRunning || exec.Status == domain.ExecutionStatusPending {
		exec.Status = domain.ExecutionStatusRunning
		exec.Paused = true
	}

	r := newRun(exec, jobs, ExecuteOptions{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID})
	r.resetInterrupted()
	s.runs.Store(exec.ID, r)

	snapshot := r.snapshot()
	if err := s.state.SetExecutionState(ctx, snapshot); err != nil {
		s.logger.Warn("failed to save restored state",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}

	s.logger.Info("execution restored from checkpoint",
		zap.String("execution_id", exec.ID),
		zap.String("checkpoint_id", checkpointID),
		zap.String("status", string(snapshot.Status)))

	return snapshot, nil
}

// ListCheckpoints lists the checkpoints of an execution, newest first
func (s *Scheduler) ListCheckpoints(ctx context.Context, executionID string) ([]domain.CheckpointInfo, error) {
	return s.checkpoints.ListCheckpoints(ctx, executionID)
}

// startAutomaticCheckpoints writes an automatic checkpoint every checkpoint
// interval while the layer loop runs. The returned func stops it.
func (s *Scheduler) startAutomaticCheckpoints(ctx context.Context, r *run) func() {
	if s.checkpointInterval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.isPaused() || r.isCancelled() {
					continue
				}
				if _, err := s.checkpoint(ctx, r, domain.CheckpointOptions{Trigger: domain.CheckpointTriggerAutomatic}); err != nil {
					s.logger.Warn("automatic checkpoint skipped",
						zap.String("execution_id", r.id()),
						zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}
