package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/jobdag/internal/application/resultcache"
	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default settings
const (
	DefaultParallelism      = 3
	DefaultLockTTL          = 30 * time.Second
	DefaultLockWait         = 10 * time.Second
	DefaultLockPollInterval = 100 * time.Millisecond
	DefaultCodeVersion      = "v1"
)

// Config wires a Scheduler. Nil collaborators are replaced by no-op implementations.
type Config struct {
	Validator   *Validator
	Cache       *resultcache.Cache
	StateStore  ports.StateStore
	Checkpoints ports.CheckpointStore
	EventBus    ports.EventBus
	Metrics     ports.MetricsCollector
	Audit       ports.AuditObserver
	Monitor     ports.ResourceMonitor
	Sink        ports.PersistenceSink
	Logger      *zap.Logger

	Parallelism        int
	CodeVersion        string
	WorkerID           string
	LockTTL            time.Duration
	LockWait           time.Duration
	LockPollInterval   time.Duration
	CheckpointInterval time.Duration
	DefaultJobTimeout  time.Duration
}

// ExecuteOptions tune a single execution
type ExecuteOptions struct {
	// ExecutionID presets the execution id; a uuid is generated when empty.
	ExecutionID  string
	WorkflowID   string
	Parallelism  int
	ForceRerun   bool
	DisableCache bool
}

// Scheduler runs job DAGs layer by layer with bounded parallelism
type Scheduler struct {
	validator   *Validator
	cache       *resultcache.Cache
	state       ports.StateStore
	checkpoints ports.CheckpointStore
	eventBus    ports.EventBus
	metrics     ports.MetricsCollector
	audit       ports.AuditObserver
	monitor     ports.ResourceMonitor
	sink        ports.PersistenceSink
	logger      *zap.Logger

	parallelism        int
	codeVersion        string
	workerID           string
	lockTTL            time.Duration
	lockWait           time.Duration
	lockPollInterval   time.Duration
	checkpointInterval time.Duration
	defaultJobTimeout  time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]ports.JobHandler
	conditions map[string]domain.Condition

	// Track executions known to this instance
	runs   sync.Map // map[string]*run
	active atomic.Int64

	baseCtx    context.Context
	baseCancel context.CancelFunc
	background sync.WaitGroup
}

// New creates a scheduler
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		validator:          cfg.Validator,
		cache:              cfg.Cache,
		state:              cfg.StateStore,
		checkpoints:        cfg.Checkpoints,
		eventBus:           cfg.EventBus,
		metrics:            cfg.Metrics,
		audit:              cfg.Audit,
		monitor:            cfg.Monitor,
		sink:               cfg.Sink,
		logger:             logger,
		parallelism:        cfg.Parallelism,
		codeVersion:        cfg.CodeVersion,
		workerID:           cfg.WorkerID,
		lockTTL:            cfg.LockTTL,
		lockWait:           cfg.LockWait,
		lockPollInterval:   cfg.LockPollInterval,
		checkpointInterval: cfg.CheckpointInterval,
		defaultJobTimeout:  cfg.DefaultJobTimeout,
		handlers:           make(map[string]ports.JobHandler),
		conditions:         make(map[string]domain.Condition),
	}

	if s.validator == nil {
		s.validator = NewValidator()
	}
	if s.cache == nil {
		s.cache = resultcache.New(nil, false, logger)
	}
	if s.state == nil {
		s.state = nopStateStore{}
	}
	if s.checkpoints == nil {
		s.checkpoints = nopCheckpointStore{}
	}
	if s.eventBus == nil {
		s.eventBus = nopEventBus{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.audit == nil {
		s.audit = nopAudit{}
	}
	if s.monitor == nil {
		s.monitor = nopMonitor{}
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}

	if s.parallelism <= 0 {
		s.parallelism = DefaultParallelism
	}
	if s.codeVersion == "" {
		s.codeVersion = DefaultCodeVersion
	}
	if s.workerID == "" {
		host, _ := os.Hostname()
		s.workerID = fmt.Sprintf("%s-%s", host, uuid.New().String())
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.lockWait <= 0 {
		s.lockWait = DefaultLockWait
	}
	if s.lockPollInterval <= 0 {
		s.lockPollInterval = DefaultLockPollInterval
	}

	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s
}

// WorkerID returns the lock owner identity of this instance
func (s *Scheduler) WorkerID() string {
	return s.workerID
}

// Validator returns the graph validator used by the scheduler
func (s *Scheduler) Validator() *Validator {
	return s.validator
}

// Cache returns the result cache used by the scheduler
func (s *Scheduler) Cache() *resultcache.Cache {
	return s.cache
}

// RegisterHandler registers the handler for a job kind, replacing any previous one
func (s *Scheduler) RegisterHandler(kind string, handler ports.JobHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = handler
}

// RegisterCondition registers a named condition usable through JobSpec.ConditionName
func (s *Scheduler) RegisterCondition(name string, cond domain.Condition) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.conditions[name] = cond
}

func (s *Scheduler) handler(kind string) (ports.JobHandler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

func (s *Scheduler) condition(name string) (domain.Condition, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	c, ok := s.conditions[name]
	return c, ok
}

// Execute validates jobs and runs them to completion, failure, cancellation or
// pause. The returned execution is a snapshot; a failed execution is returned
// together with the first job error.
func (s *Scheduler) Execute(ctx context.Context, name string, jobs []domain.JobSpec, opts ExecuteOptions) (*domain.Execution, error) {
	if err := s.validator.Validate(jobs); err != nil {
		s.logger.Warn("job graph rejected",
			zap.String("name", name),
			zap.Error(err))
		return nil, err
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	exec := domain.NewExecution(executionID, name, opts.WorkflowID, jobs)
	r := newRun(exec, jobs, opts)
	r.active = true
	r.done = make(chan struct{})

	if _, loaded := s.runs.LoadOrStore(executionID, r); loaded {
		return nil, fmt.Errorf("execution %s already exists: %w", executionID, domain.ErrInvalidState)
	}

	if err := s.state.SetExecutionState(ctx, exec.Clone()); err != nil {
		s.runs.Delete(executionID)
		s.logger.Error("failed to save initial state",
			zap.String("execution_id", executionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	s.audit.LogExecutionStart(executionID, name, len(jobs))
	s.metrics.RecordExecutionStarted()
	s.publish(ctx, domain.TopicExecutionEvents, domain.EventTypeExecutionStarted, executionID, "", map[string]any{
		"name":      name,
		"job_count": len(jobs),
	})

	s.logger.Info("execution started",
		zap.String("execution_id", executionID),
		zap.String("name", name),
		zap.Int("job_count", len(jobs)))

	return s.drive(ctx, r)
}

// ExecuteFrom continues a previously started execution. Completed and skipped
// jobs keep their results; pending jobs, and running jobs interrupted by a
// crash, are run again.
func (s *Scheduler) ExecuteFrom(ctx context.Context, exec *domain.Execution, jobs []domain.JobSpec, opts ExecuteOptions) (*domain.Execution, error) {
	if exec == nil {
		return nil, fmt.Errorf("execution is required: %w", domain.ErrInvalidState)
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", exec.ID, exec.Status, domain.ErrInvalidState)
	}
	if err := s.validator.Validate(jobs); err != nil {
		return nil, err
	}

	cp := exec.Clone()
	cp.Status = domain.ExecutionStatusRunning
	cp.Paused = false
	if cp.StartedAt == nil {
		now := time.Now()
		cp.StartedAt = &now
	}
	if cp.Jobs == nil {
		cp.Jobs = make(map[string]*domain.JobRun, len(jobs))
	}

	opts.ExecutionID = cp.ID
	if opts.WorkflowID == "" {
		opts.WorkflowID = cp.WorkflowID
	}

	r := newRun(cp, jobs, opts)
	r.resetInterrupted()
	r.active = true
	r.done = make(chan struct{})

	if existing, ok := s.runs.Load(cp.ID); ok {
		prev := existing.(*run)
		prev.mu.RLock()
		busy := prev.active
		prev.mu.RUnlock()
		if busy {
			return nil, fmt.Errorf("execution %s is already running: %w", cp.ID, domain.ErrInvalidState)
		}
	}
	s.runs.Store(cp.ID, r)

	if err := s.state.SetExecutionState(ctx, cp.Clone()); err != nil {
		s.logger.Warn("failed to save resumed state",
			zap.String("execution_id", cp.ID),
			zap.Error(err))
	}

	s.logger.Info("execution continuing",
		zap.String("execution_id", cp.ID),
		zap.Int("job_count", len(jobs)))

	return s.drive(ctx, r)
}

// Wait blocks until the execution's layer loop has stopped, then returns a snapshot
func (s *Scheduler) Wait(ctx context.Context, executionID string) (*domain.Execution, error) {
	r, err := s.lookup(executionID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	active, done := r.active, r.done
	r.mu.RUnlock()

	if active && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.snapshot(), nil
}

// GetExecution returns the execution known to this instance, falling back to the state store
func (s *Scheduler) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	if r, err := s.lookup(executionID); err == nil {
		return r.snapshot(), nil
	}

	state, err := s.state.GetExecutionState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Execution == nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}

	exec := state.Execution
	if state.Status != "" {
		exec.Status = state.Status
	}
	for jobID, result := range state.Results {
		if jr, ok := exec.Jobs[jobID]; ok && !jr.Status.IsTerminal() {
			jr.Status = result.Status
			jr.Output = result.Output
			jr.Error = result.Error
			completed := result.CompletedAt
			jr.CompletedAt = &completed
		}
	}
	return exec, nil
}

// IsPaused reports whether the execution is paused
func (s *Scheduler) IsPaused(executionID string) bool {
	r, err := s.lookup(executionID)
	if err != nil {
		return false
	}
	return r.isPaused()
}

// Shutdown stops all layer loops owned by this instance. Interrupted executions
// keep their running status in the state store so another instance can continue them.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down scheduler")

	s.baseCancel()
	s.runs.Range(func(key, value any) bool {
		r := value.(*run)
		r.mu.RLock()
		cancel := r.cancel
		r.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("scheduler shut down complete")
	return nil
}

func (s *Scheduler) lookup(executionID string) (*run, error) {
	val, ok := s.runs.Load(executionID)
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}
	return val.(*run), nil
}

// drive runs the layer loop for an execution whose active flag the caller has set
func (s *Scheduler) drive(ctx context.Context, r *run) (*domain.Execution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		cancel()
	}

	s.metrics.SetActiveExecutions(int(s.active.Add(1)))
	defer func() {
		s.metrics.SetActiveExecutions(int(s.active.Add(-1)))
	}()

	s.startMonitoring(r)
	defer s.monitor.Stop(r.id())

	stopCheckpoints := s.startAutomaticCheckpoints(runCtx, r)
	defer stopCheckpoints()

	parallelism := r.opts.Parallelism
	if parallelism <= 0 {
		parallelism = s.parallelism
	}

	for {
		runErr := s.runLayers(runCtx, r, parallelism)
		st := s.settle(ctx, r, runErr, runCtx.Err() != nil)
		if st.again {
			continue
		}
		return s.report(ctx, r, st)
	}
}

// runLayers executes layers until the execution stops, fails or runs out of pending jobs
func (s *Scheduler) runLayers(ctx context.Context, r *run, parallelism int) error {
	for {
		if r.isCancelled() || ctx.Err() != nil || r.isPaused() {
			return nil
		}
		if jobID, msg, failed := r.firstFailure(); failed {
			return domain.NewJobError(jobID, domain.ErrHandler, errors.New(msg))
		}

		layers, err := s.validator.Layers(r.specs())
		if err != nil {
			return err
		}

		layer := firstOpenLayer(r, layers)
		if layer == nil {
			return nil
		}

		progressed, held, err := s.executeLayer(ctx, r, layer, parallelism)
		if err != nil {
			return err
		}
		// A layer held back by a pause that was already lifted is retried by
		// the next iteration.
		if !progressed && !held {
			return fmt.Errorf("%w: layer made no progress", domain.ErrInvariantViolation)
		}
	}
}

// firstOpenLayer returns the pending jobs of the earliest layer that still has any
func firstOpenLayer(r *run, layers [][]domain.JobSpec) []domain.JobSpec {
	for _, layer := range layers {
		var pending []domain.JobSpec
		for _, job := range layer {
			if r.jobStatus(job.ID) == domain.JobStatusPending {
				pending = append(pending, job)
			}
		}
		if len(pending) > 0 {
			return pending
		}
	}
	return nil
}

type settlement struct {
	outcome  string
	result   error
	terminal bool
	again    bool
	snapshot *domain.Execution
	done     chan struct{}
}

const (
	outcomePaused      = "paused"
	outcomeInterrupted = "interrupted"
)

// settle decides the status of a stopped layer loop. The decision and the
// release of the active flag happen under one lock so a concurrent Resume
// either sees the loop still running or finds it stopped.
func (s *Scheduler) settle(ctx context.Context, r *run, runErr error, interrupted bool) settlement {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec := r.exec
	var st settlement
	now := time.Now()

	switch {
	case r.cancelled:
		st.outcome = string(domain.ExecutionStatusCancelled)
		st.result = domain.ErrExecutionCancelled
		st.terminal = true
	case runErr != nil:
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = runErr.Error()
		exec.CompletedAt = &now
		exec.Paused = false
		st.outcome = string(domain.ExecutionStatusFailed)
		st.result = runErr
		st.terminal = true
	case interrupted:
		st.outcome = outcomeInterrupted
		st.result = context.Canceled
		if ctx.Err() != nil {
			st.result = ctx.Err()
		}
	case exec.Paused:
		st.outcome = outcomePaused
	case exec.AllSuccessful():
		exec.Status = domain.ExecutionStatusCompleted
		exec.CompletedAt = &now
		st.outcome = string(domain.ExecutionStatusCompleted)
		st.terminal = true
	default:
		// Resumed between the pause check and here: keep going.
		for _, jr := range exec.Jobs {
			if jr.Status == domain.JobStatusPending {
				st.again = true
				return st
			}
		}
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = "execution stopped with unfinished jobs"
		exec.CompletedAt = &now
		st.outcome = string(domain.ExecutionStatusFailed)
		st.result = fmt.Errorf("%w: %s", domain.ErrInvariantViolation, exec.Error)
		st.terminal = true
	}

	st.snapshot = exec.Clone()
	st.done = r.done
	r.active = false
	r.cancel = nil
	return st
}

// report persists and announces the settled state of an execution
func (s *Scheduler) report(ctx context.Context, r *run, st settlement) (*domain.Execution, error) {
	persistCtx := context.WithoutCancel(ctx)
	id := r.id()
	snapshot := st.snapshot

	if err := s.state.SetExecutionState(persistCtx, snapshot); err != nil {
		s.logger.Warn("failed to save final state",
			zap.String("execution_id", id),
			zap.Error(err))
	}

	var duration time.Duration
	if snapshot.StartedAt != nil {
		duration = time.Since(*snapshot.StartedAt)
	}

	switch st.outcome {
	case string(domain.ExecutionStatusCompleted):
		s.updateStatus(persistCtx, id, snapshot.Status, nil)
		s.audit.LogExecutionComplete(id, duration)
		s.publish(persistCtx, domain.TopicExecutionEvents, domain.EventTypeExecutionCompleted, id, "", map[string]any{
			"duration_ms": duration.Milliseconds(),
		})
		s.logger.Info("execution completed",
			zap.String("execution_id", id),
			zap.Duration("duration", duration))
	case string(domain.ExecutionStatusFailed):
		s.updateStatus(persistCtx, id, snapshot.Status, map[string]string{"error": snapshot.Error})
		s.audit.LogExecutionFailed(id, st.result)
		s.publish(persistCtx, domain.TopicExecutionEvents, domain.EventTypeExecutionFailed, id, "", map[string]any{
			"error": snapshot.Error,
		})
		s.logger.Error("execution failed",
			zap.String("execution_id", id),
			zap.Error(st.result))
	case string(domain.ExecutionStatusCancelled):
		s.logger.Info("execution stopped after cancellation",
			zap.String("execution_id", id))
	case outcomePaused:
		s.logger.Info("execution paused",
			zap.String("execution_id", id))
	default:
		s.logger.Warn("execution interrupted",
			zap.String("execution_id", id),
			zap.Error(st.result))
	}

	if st.terminal {
		s.metrics.RecordExecutionFinished(st.outcome, duration)
	}
	if st.done != nil {
		close(st.done)
	}

	switch {
	case st.result == nil:
		return snapshot, nil
	case errors.Is(st.result, domain.ErrExecutionCancelled):
		return snapshot, fmt.Errorf("execution %s: %w", id, st.result)
	default:
		return snapshot, fmt.Errorf("execution %s failed: %w", id, st.result)
	}
}

func (s *Scheduler) updateStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, extra map[string]string) {
	if err := s.state.UpdateExecutionStatus(ctx, executionID, status, extra); err != nil {
		s.logger.Warn("failed to update execution status",
			zap.String("execution_id", executionID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, topic string, eventType domain.EventType, executionID, jobID string, data map[string]any) {
	event := domain.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now(),
		ExecutionID: executionID,
		JobID:       jobID,
		Data:        data,
	}
	if err := s.eventBus.Publish(context.WithoutCancel(ctx), topic, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("execution_id", executionID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}

// startMonitoring registers jobs with resource limits with the resource monitor
func (s *Scheduler) startMonitoring(r *run) {
	limits := make(map[string]domain.ResourceLimits)
	for _, job := range r.specs() {
		if job.ResourceLimits != nil {
			limits[job.ID] = *job.ResourceLimits
		}
	}
	if len(limits) == 0 {
		return
	}

	id := r.id()
	s.monitor.StartResourceMonitoring(id, limits, func(v domain.ResourceViolation) {
		s.audit.LogSecurityViolation(v)
		if !v.Severity.ForcesCancellation() {
			return
		}
		s.logger.Warn("cancelling execution after resource violation",
			zap.String("execution_id", v.ExecutionID),
			zap.String("job_id", v.JobID),
			zap.String("resource", v.Resource),
			zap.String("severity", string(v.Severity)))
		go func() {
			if err := s.Cancel(context.Background(), id); err != nil && !errors.Is(err, domain.ErrInvalidState) {
				s.logger.Error("failed to cancel execution",
					zap.String("execution_id", id),
					zap.Error(err))
			}
		}()
	})
}
