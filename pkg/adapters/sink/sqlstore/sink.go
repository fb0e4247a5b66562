// Package sqlstore persists finished job runs to a SQL database for dashboards.
//
// Writes are queued and applied by a background goroutine so the scheduler is
// never blocked; when the queue is full the run is dropped and logged.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSinkFull is returned when the write queue is full and the run was dropped
var ErrSinkFull = errors.New("persistence queue full")

// ErrSinkClosed is returned for writes after Close
var ErrSinkClosed = errors.New("persistence sink closed")

// JobRunRecord is the row stored for one job of one execution
type JobRunRecord struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ExecutionID string     `gorm:"size:64;not null;uniqueIndex:idx_execution_job" json:"execution_id"`
	JobID       string     `gorm:"size:255;not null;uniqueIndex:idx_execution_job" json:"job_id"`
	Status      string     `gorm:"size:20;not null;index" json:"status"`
	Attempt     int        `gorm:"default:0" json:"attempt"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Output      string     `gorm:"type:text" json:"output"`
	Error       string     `gorm:"type:text" json:"error"`
	Logs        string     `gorm:"type:text" json:"logs"`
	Progress    float64    `gorm:"default:0" json:"progress"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName overrides the default table name
func (JobRunRecord) TableName() string {
	return "jobdag_job_runs"
}

type pending struct {
	executionID string
	run         domain.JobRun
}

// Sink implements ports.PersistenceSink with gorm
type Sink struct {
	db     *gorm.DB
	logger *zap.Logger
	queue  chan pending

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewSink migrates the schema and starts the background writer
func NewSink(db *gorm.DB, bufferSize int, logger *zap.Logger) (*Sink, error) {
	if err := db.AutoMigrate(&JobRunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate job run table: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}

	s := &Sink{
		db:     db,
		logger: logger,
		queue:  make(chan pending, bufferSize),
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// SaveJobRun queues a run for persistence without blocking
func (s *Sink) SaveJobRun(ctx context.Context, executionID string, run domain.JobRun) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.queue <- pending{executionID: executionID, run: *run.Clone()}:
		return nil
	default:
		s.logger.Warn("persistence queue full, dropping job run",
			zap.String("execution_id", executionID),
			zap.String("job_id", run.JobID))
		return ErrSinkFull
	}
}

// Close stops accepting writes and flushes the queue
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// ListJobRuns returns the stored runs of an execution ordered by job id
func (s *Sink) ListJobRuns(ctx context.Context, executionID string) ([]domain.JobRun, error) {
	var records []JobRunRecord
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("job_id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}

	runs := make([]domain.JobRun, 0, len(records))
	for _, rec := range records {
		runs = append(runs, rec.toJobRun())
	}
	return runs, nil
}

func (s *Sink) run() {
	defer s.wg.Done()

	for item := range s.queue {
		if err := s.upsert(item.executionID, item.run); err != nil {
			s.logger.Warn("failed to persist job run",
				zap.String("execution_id", item.executionID),
				zap.String("job_id", item.run.JobID),
				zap.Error(err))
		}
	}
}

func (s *Sink) upsert(executionID string, run domain.JobRun) error {
	rec, err := newRecord(executionID, run)
	if err != nil {
		return err
	}

	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}, {Name: "job_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func newRecord(executionID string, run domain.JobRun) (*JobRunRecord, error) {
	rec := &JobRunRecord{
		ExecutionID: executionID,
		JobID:       run.JobID,
		Status:      string(run.Status),
		Attempt:     run.Attempt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
		Progress:    run.Progress,
	}

	if run.Output != nil {
		data, err := json.Marshal(run.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal output: %w", err)
		}
		rec.Output = string(data)
	}
	if len(run.Logs) > 0 {
		data, err := json.Marshal(run.Logs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal logs: %w", err)
		}
		rec.Logs = string(data)
	}

	return rec, nil
}

func (r *JobRunRecord) toJobRun() domain.JobRun {
	run := domain.JobRun{
		JobID:       r.JobID,
		Status:      domain.JobStatus(r.Status),
		Attempt:     r.Attempt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		Progress:    r.Progress,
	}
	if r.Output != "" {
		_ = json.Unmarshal([]byte(r.Output), &run.Output)
	}
	if r.Logs != "" {
		_ = json.Unmarshal([]byte(r.Logs), &run.Logs)
	}
	return run
}
