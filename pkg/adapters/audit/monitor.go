package audit

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"go.uber.org/zap"
)

// UsageSampler reads the current resource usage of a running job. ok is false
// when no sample is available.
type UsageSampler interface {
	Sample(ctx context.Context, executionID, jobID string) (usage domain.ResourceUsage, ok bool)
}

type watch struct {
	limits      map[string]domain.ResourceLimits
	onViolation func(domain.ResourceViolation)
	reported    map[string]domain.ViolationSeverity
	stopCh      chan struct{}
}

// Monitor implements ports.ResourceMonitor. Usage arrives either pushed via
// Report or pulled from a UsageSampler every interval.
type Monitor struct {
	sampler  UsageSampler
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

// NewMonitor creates a resource monitor. sampler may be nil for push-only use.
func NewMonitor(sampler UsageSampler, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		sampler:  sampler,
		interval: interval,
		logger:   logger,
		watches:  make(map[string]*watch),
	}
}

// StartResourceMonitoring begins watching the jobs of an execution
func (m *Monitor) StartResourceMonitoring(executionID string, limits map[string]domain.ResourceLimits, onViolation func(domain.ResourceViolation)) {
	m.Stop(executionID)

	w := &watch{
		limits:      limits,
		onViolation: onViolation,
		reported:    make(map[string]domain.ViolationSeverity),
		stopCh:      make(chan struct{}),
	}

	m.mu.Lock()
	m.watches[executionID] = w
	m.mu.Unlock()

	m.logger.Debug("resource monitoring started",
		zap.String("execution_id", executionID),
		zap.Int("jobs", len(limits)))

	if m.sampler != nil && m.interval > 0 {
		go m.poll(executionID, w)
	}
}

// Stop ends monitoring of an execution
func (m *Monitor) Stop(executionID string) {
	m.mu.Lock()
	w, ok := m.watches[executionID]
	delete(m.watches, executionID)
	m.mu.Unlock()

	if ok {
		close(w.stopCh)
	}
}

// Active reports whether an execution is being monitored
func (m *Monitor) Active(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[executionID]
	return ok
}

// Report grades a usage sample of one job and notifies new or escalated violations
func (m *Monitor) Report(executionID, jobID string, usage domain.ResourceUsage) []domain.ResourceViolation {
	m.mu.Lock()
	w, ok := m.watches[executionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	limits, ok := w.limits[jobID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	var fresh []domain.ResourceViolation
	for _, v := range Check(executionID, jobID, limits, usage) {
		key := jobID + "/" + v.Resource
		if prev, seen := w.reported[key]; seen && severityRank(prev) >= severityRank(v.Severity) {
			continue
		}
		w.reported[key] = v.Severity
		fresh = append(fresh, v)
	}
	callback := w.onViolation
	m.mu.Unlock()

	if callback != nil {
		for _, v := range fresh {
			callback(v)
		}
	}
	return fresh
}

func (m *Monitor) poll(executionID string, w *watch) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			for jobID := range w.limits {
				usage, ok := m.sampler.Sample(ctx, executionID, jobID)
				if !ok {
					continue
				}
				m.Report(executionID, jobID, usage)
			}
		}
	}
}

// Check compares a usage sample with the limits of one job
func Check(executionID, jobID string, limits domain.ResourceLimits, usage domain.ResourceUsage) []domain.ResourceViolation {
	now := time.Now()
	var out []domain.ResourceViolation

	add := func(resource string, limit, observed float64) {
		severity, violated := Grade(limit, observed)
		if !violated {
			return
		}
		out = append(out, domain.ResourceViolation{
			ExecutionID: executionID,
			JobID:       jobID,
			Resource:    resource,
			Limit:       limit,
			Observed:    observed,
			Severity:    severity,
			DetectedAt:  now,
		})
	}

	add("memory_mb", float64(limits.MaxMemoryMB), float64(usage.MemoryMB))
	add("cpu_percent", limits.MaxCPUPercent, usage.CPUPercent)
	add("gpu_memory_mb", float64(limits.MaxGPUMemoryMB), float64(usage.GPUMemoryMB))
	add("duration_seconds", limits.MaxDuration.Seconds(), usage.Elapsed.Seconds())

	return out
}

// Grade maps the observed/limit ratio to a severity. A zero limit is unlimited.
func Grade(limit, observed float64) (domain.ViolationSeverity, bool) {
	if limit <= 0 || observed <= limit {
		return "", false
	}
	ratio := observed / limit
	switch {
	case ratio < 1.25:
		return domain.SeverityLow, true
	case ratio < 1.5:
		return domain.SeverityMedium, true
	case ratio < 2:
		return domain.SeverityHigh, true
	default:
		return domain.SeverityCritical, true
	}
}

func severityRank(s domain.ViolationSeverity) int {
	switch s {
	case domain.SeverityLow:
		return 1
	case domain.SeverityMedium:
		return 2
	case domain.SeverityHigh:
		return 3
	case domain.SeverityCritical:
		return 4
	}
	return 0
}
