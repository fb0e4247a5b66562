package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	jobsFinished       *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobRetries         *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	lockContention     *prometheus.CounterVec
	activeExecutions   prometheus.Gauge
	queueDepth         *prometheus.GaugeVec
	workerPoolIdle     prometheus.Gauge
	workerPoolBusy     prometheus.Gauge
	workerPoolStopped  prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// Pass prometheus.DefaultRegisterer to expose metrics on the default /metrics handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		executionsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jobdag_executions_started_total",
				Help: "Total number of executions started",
			},
		),
		executionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobdag_executions_finished_total",
				Help: "Total number of executions finished by terminal status",
			},
			[]string{"status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobdag_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		jobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobdag_jobs_finished_total",
				Help: "Total number of jobs finished",
			},
			[]string{"kind", "status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobdag_job_duration_seconds",
				Help:    "Job duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		jobRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobdag_job_retries_total",
				Help: "Total number of job retry attempts",
			},
			[]string{"kind"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobdag_cache_lookups_total",
				Help: "Total number of result cache lookups",
			},
			[]string{"result"},
		),
		lockContention: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobdag_lock_contention_total",
				Help: "Total number of failed lock acquisitions",
			},
			[]string{"resource"},
		),
		activeExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobdag_active_executions",
				Help: "Number of currently active executions",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobdag_queue_depth",
				Help: "Current depth of job queues",
			},
			[]string{"queue"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobdag_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobdag_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobdag_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordExecutionStarted counts a started execution
func (c *Collector) RecordExecutionStarted() {
	c.executionsStarted.Inc()
}

// RecordExecutionFinished counts a finished execution and observes its duration
func (c *Collector) RecordExecutionFinished(status string, duration time.Duration) {
	c.executionsFinished.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordJobFinished counts a finished job and observes its duration
func (c *Collector) RecordJobFinished(kind, status string, duration time.Duration) {
	c.jobsFinished.WithLabelValues(kind, status).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordJobRetry counts a retry attempt
func (c *Collector) RecordJobRetry(kind string) {
	c.jobRetries.WithLabelValues(kind).Inc()
}

// RecordCacheLookup counts a cache hit or miss
func (c *Collector) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordLockContention counts a lock that could not be acquired.
// resource should be a low-cardinality class, not a full lock key.
func (c *Collector) RecordLockContention(resource string) {
	c.lockContention.WithLabelValues(resource).Inc()
}

// SetActiveExecutions sets the number of currently active executions
func (c *Collector) SetActiveExecutions(count int) {
	c.activeExecutions.Set(float64(count))
}

// SetQueueDepth sets the current depth of a queue
func (c *Collector) SetQueueDepth(queueName string, depth int) {
	c.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
