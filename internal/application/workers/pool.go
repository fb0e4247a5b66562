package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/jobdag/internal/application/orchestrator"
	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueName labels the request queue in metrics
const QueueName = "execution_requests"

// Executor runs a validated job set to completion
type Executor interface {
	Execute(ctx context.Context, name string, jobs []domain.JobSpec, opts orchestrator.ExecuteOptions) (*domain.Execution, error)
	Validator() *orchestrator.Validator
	WorkerID() string
}

// Pool manages a pool of worker goroutines that run submitted executions
type Pool struct {
	size      int
	executor  Executor
	eventBus  ports.EventBus
	storage   ports.StateStore
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	health    *HealthMonitor
	claimTTL  time.Duration
	instance  string
	queue     chan domain.ExecutionRequest
	workers   []*worker
	startOnce sync.Once

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// PoolConfig wires a Pool
type PoolConfig struct {
	Size                int
	QueueSize           int
	ClaimTTL            time.Duration
	HealthCheckInterval time.Duration
	// OnHealthChange is called whenever the pool's health flips.
	OnHealthChange func(healthy bool)
}

// NewPool creates a new worker pool
func NewPool(
	cfg PoolConfig,
	executor Executor,
	eventBus ports.EventBus,
	storage ports.StateStore,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	size := cfg.Size
	if size <= 0 {
		size = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = size * 2
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	pool := &Pool{
		size:     size,
		executor: executor,
		eventBus: eventBus,
		storage:  storage,
		metrics:  metrics,
		logger:   logger,
		claimTTL: claimTTL,
		instance: executor.WorkerID(),
		queue:    make(chan domain.ExecutionRequest, queueSize),
		workers:  make([]*worker, size),
		ctx:      ctx,
		cancel:   cancel,
	}

	pool.health = NewHealthMonitor(pool, interval, cfg.OnHealthChange, logger)

	return pool
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// Start subscribes to execution requests and starts the workers
func (p *Pool) Start() error {
	var err error
	p.startOnce.Do(func() {
		err = p.start()
	})
	return err
}

func (p *Pool) start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	// One subscription per instance; workers share the queue
	if err := p.eventBus.Subscribe(p.ctx, domain.TopicExecutionRequests, p.enqueue); err != nil {
		p.cancel()
		return fmt.Errorf("failed to subscribe to execution requests: %w", err)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit validates a request and publishes it for any worker to claim.
// The returned id is the execution id the request will run under.
func (p *Pool) Submit(ctx context.Context, req domain.ExecutionRequest) (string, error) {
	if err := p.executor.Validator().Validate(req.Jobs); err != nil {
		return "", err
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	event := domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventTypeExecutionRequested,
		Timestamp:   req.SubmittedAt,
		ExecutionID: req.ID,
		Data: map[string]any{
			"request": req,
		},
	}

	if err := p.eventBus.Publish(ctx, domain.TopicExecutionRequests, event); err != nil {
		return "", fmt.Errorf("failed to publish execution request: %w", err)
	}

	p.logger.Info("execution request submitted",
		zap.String("execution_id", req.ID),
		zap.String("name", req.Name),
		zap.Int("job_count", len(req.Jobs)))

	return req.ID, nil
}

// Shutdown gracefully shuts down the worker pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()

	// Cancel context to signal workers to stop
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// enqueue hands a request event to the workers. It blocks while the queue is
// full so the bus applies back-pressure instead of dropping requests.
func (p *Pool) enqueue(ctx context.Context, event domain.Event) error {
	req, err := decodeRequest(event)
	if err != nil {
		p.logger.Error("invalid execution request",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return nil
	}

	select {
	case p.queue <- req:
		p.metrics.SetQueueDepth(QueueName, len(p.queue))
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeRequest reads the request out of an event. Events that crossed a JSON
// bus carry a generic map, so the payload is re-encoded either way.
func decodeRequest(event domain.Event) (domain.ExecutionRequest, error) {
	var req domain.ExecutionRequest

	raw, ok := event.Data["request"]
	if !ok {
		return req, errors.New("event carries no request")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return req, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if req.ID == "" {
		req.ID = event.ExecutionID
	}
	if req.ID == "" {
		return req, errors.New("request has no execution id")
	}
	return req, nil
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
			return
		case req := <-w.pool.queue:
			w.pool.metrics.SetQueueDepth(QueueName, len(w.pool.queue))
			w.handleRequest(ctx, req)
		}
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	if status == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
	w.mu.Unlock()
}

// handleRequest claims a request and executes it. A request already claimed
// by another worker, or already recorded in the state store, is dropped.
func (w *worker) handleRequest(ctx context.Context, req domain.ExecutionRequest) {
	w.setStatus(WorkerStatusBusy)
	defer w.setStatus(WorkerStatusIdle)

	logger := w.pool.logger.With(
		zap.String("worker_id", w.id),
		zap.String("execution_id", req.ID))

	resource := "request:" + req.ID
	owner := w.pool.instance + "/" + w.id
	lock, acquired, err := w.pool.storage.AcquireLock(ctx, resource, owner, w.pool.claimTTL)
	if err != nil {
		logger.Error("failed to claim execution request", zap.Error(err))
		return
	}
	if !acquired {
		w.pool.metrics.RecordLockContention(resource)
		logger.Debug("execution request claimed elsewhere")
		return
	}
	defer func() {
		if _, err := w.pool.storage.ReleaseLock(context.WithoutCancel(ctx), resource, lock.ID); err != nil {
			logger.Warn("failed to release request claim", zap.Error(err))
		}
	}()

	if _, err := w.pool.storage.GetExecutionState(ctx, req.ID); err == nil {
		logger.Debug("execution request already handled")
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		logger.Error("failed to check execution state", zap.Error(err))
		return
	}

	logger.Info("executing request",
		zap.String("name", req.Name),
		zap.Int("job_count", len(req.Jobs)))

	startTime := time.Now()
	exec, err := w.pool.executor.Execute(ctx, req.Name, req.Jobs, orchestrator.ExecuteOptions{
		ExecutionID:  req.ID,
		WorkflowID:   req.WorkflowID,
		Parallelism:  req.Parallelism,
		ForceRerun:   req.ForceRerun,
		DisableCache: req.DisableCache,
	})

	fields := []zap.Field{zap.Duration("duration", time.Since(startTime))}
	if exec != nil {
		fields = append(fields, zap.String("status", string(exec.Status)))
	}
	if err != nil {
		logger.Warn("execution request finished with error", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("execution request completed", fields...)
}
