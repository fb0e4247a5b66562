package audit

import (
	"sync"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"go.uber.org/zap"
)

// RecordType identifies an audit record
type RecordType string

const (
	RecordExecutionStart    RecordType = "execution_start"
	RecordExecutionComplete RecordType = "execution_complete"
	RecordExecutionFailed   RecordType = "execution_failed"
	RecordSecurityViolation RecordType = "security_violation"
	RecordJobTimeout        RecordType = "job_timeout"
)

// Record is one audit entry
type Record struct {
	Type        RecordType     `json:"type"`
	ExecutionID string         `json:"execution_id"`
	JobID       string         `json:"job_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}

// Logger implements ports.AuditObserver on top of zap
type Logger struct {
	logger  *zap.Logger
	maxSize int

	mu      sync.RWMutex
	records []Record
}

// NewLogger creates an audit logger keeping at most maxSize records in memory
func NewLogger(logger *zap.Logger, maxSize int) *Logger {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Logger{
		logger:  logger.Named("audit"),
		maxSize: maxSize,
	}
}

// LogExecutionStart records the start of an execution
func (l *Logger) LogExecutionStart(executionID, name string, jobCount int) {
	l.logger.Info("execution started",
		zap.String("execution_id", executionID),
		zap.String("name", name),
		zap.Int("job_count", jobCount))
	l.append(Record{Type: RecordExecutionStart, ExecutionID: executionID, Details: map[string]any{
		"name":      name,
		"job_count": jobCount,
	}})
}

// LogExecutionComplete records a successful execution
func (l *Logger) LogExecutionComplete(executionID string, duration time.Duration) {
	l.logger.Info("execution completed",
		zap.String("execution_id", executionID),
		zap.Duration("duration", duration))
	l.append(Record{Type: RecordExecutionComplete, ExecutionID: executionID, Details: map[string]any{
		"duration_ms": duration.Milliseconds(),
	}})
}

// LogExecutionFailed records a failed or cancelled execution
func (l *Logger) LogExecutionFailed(executionID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.logger.Warn("execution failed",
		zap.String("execution_id", executionID),
		zap.Error(err))
	l.append(Record{Type: RecordExecutionFailed, ExecutionID: executionID, Details: map[string]any{
		"error": msg,
	}})
}

// LogSecurityViolation records a resource limit violation
func (l *Logger) LogSecurityViolation(v domain.ResourceViolation) {
	l.logger.Warn("resource limit violated",
		zap.String("execution_id", v.ExecutionID),
		zap.String("job_id", v.JobID),
		zap.String("resource", v.Resource),
		zap.Float64("limit", v.Limit),
		zap.Float64("observed", v.Observed),
		zap.String("severity", string(v.Severity)))
	l.append(Record{Type: RecordSecurityViolation, ExecutionID: v.ExecutionID, JobID: v.JobID, Details: map[string]any{
		"resource": v.Resource,
		"limit":    v.Limit,
		"observed": v.Observed,
		"severity": string(v.Severity),
	}})
}

// LogJobTimeout records a job attempt that exceeded its timeout
func (l *Logger) LogJobTimeout(executionID, jobID string, timeoutMs int64) {
	l.logger.Warn("job timed out",
		zap.String("execution_id", executionID),
		zap.String("job_id", jobID),
		zap.Int64("timeout_ms", timeoutMs))
	l.append(Record{Type: RecordJobTimeout, ExecutionID: executionID, JobID: jobID, Details: map[string]any{
		"timeout_ms": timeoutMs,
	}})
}

// Records returns the retained records for an execution, oldest first.
// An empty executionID returns every retained record.
func (l *Logger) Records(executionID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if executionID == "" || r.ExecutionID == executionID {
			out = append(out, r)
		}
	}
	return out
}

func (l *Logger) append(r Record) {
	r.Timestamp = time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) >= l.maxSize {
		l.records = l.records[1:]
	}
	l.records = append(l.records, r)
}
