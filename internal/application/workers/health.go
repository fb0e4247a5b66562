package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor monitors worker and state store health
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	onChange func(healthy bool)
	logger   *zap.Logger

	mu      sync.RWMutex
	running bool
	last    *bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// HealthStatus represents the health status of the worker pool
type HealthStatus struct {
	TotalWorkers   int       `json:"total_workers"`
	IdleWorkers    int       `json:"idle_workers"`
	BusyWorkers    int       `json:"busy_workers"`
	StoppedWorkers int       `json:"stopped_workers"`
	QueueDepth     int       `json:"queue_depth"`
	StoreHealthy   bool      `json:"store_healthy"`
	Healthy        bool      `json:"healthy"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a new health monitor. onChange may be nil.
func NewHealthMonitor(pool *Pool, interval time.Duration, onChange func(healthy bool), logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the health monitor and waits for the loop to exit
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
	<-h.doneCh
}

// run is the main health monitoring loop
func (h *HealthMonitor) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.checkHealth()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth checks worker health, logs status and reports transitions
func (h *HealthMonitor) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), h.checkTimeout())
	defer cancel()

	status := h.Check(ctx)

	h.logger.Debug("worker pool health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
		zap.Int("queue_depth", status.QueueDepth),
		zap.Bool("store_healthy", status.StoreHealthy),
		zap.Bool("healthy", status.Healthy))

	h.pool.metrics.RecordWorkerPoolStatus(
		status.IdleWorkers,
		status.BusyWorkers,
		status.StoppedWorkers,
	)

	if !status.Healthy {
		h.logger.Warn("worker pool is unhealthy",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Bool("store_healthy", status.StoreHealthy))
	}

	if status.TotalWorkers > 0 && status.BusyWorkers == status.TotalWorkers {
		h.logger.Warn("all workers are busy - consider scaling up",
			zap.Int("total", status.TotalWorkers),
			zap.Int("queue_depth", status.QueueDepth))
	}

	h.mu.Lock()
	changed := h.last == nil || *h.last != status.Healthy
	healthy := status.Healthy
	h.last = &healthy
	h.mu.Unlock()

	if changed && h.onChange != nil {
		h.onChange(status.Healthy)
	}
}

func (h *HealthMonitor) checkTimeout() time.Duration {
	if h.interval < 4*time.Second {
		return h.interval
	}
	return 2 * time.Second
}

// Check pings the state store and tallies worker statuses
func (h *HealthMonitor) Check(ctx context.Context) *HealthStatus {
	workerStatuses := h.pool.GetStatus()

	var idle, busy, stopped int
	for _, status := range workerStatuses {
		switch status {
		case WorkerStatusIdle:
			idle++
		case WorkerStatusBusy:
			busy++
		case WorkerStatusStopped:
			stopped++
		}
	}

	total := len(workerStatuses)
	storeHealthy := h.pool.storage.IsHealthy(ctx)

	return &HealthStatus{
		TotalWorkers:   total,
		IdleWorkers:    idle,
		BusyWorkers:    busy,
		StoppedWorkers: stopped,
		QueueDepth:     len(h.pool.queue),
		StoreHealthy:   storeHealthy,
		Healthy:        total > 0 && stopped == 0 && storeHealthy,
		Timestamp:      time.Now(),
	}
}

// IsHealthy returns true if the worker pool is healthy
func (h *HealthMonitor) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy
}
