package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks a rejected job graph
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks a job that cannot run as configured; never retried
	ErrConfiguration = errors.New("configuration error")
	// ErrHandler marks a failure returned by a job handler
	ErrHandler = errors.New("handler error")
	// ErrTimeout marks a handler that did not finish within its timeout
	ErrTimeout = errors.New("job timed out")
	// ErrCacheDisabled is returned by cache writes while caching is off
	ErrCacheDisabled = errors.New("cache disabled")
	// ErrNotFound is returned for unknown or unreadable records
	ErrNotFound = errors.New("not found")
	// ErrLockContention is returned when a lock could not be obtained in time
	ErrLockContention = errors.New("lock contention")
	// ErrInvariantViolation marks an internal inconsistency that validation should have prevented
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrExecutionCancelled is returned for executions stopped by Cancel
	ErrExecutionCancelled = errors.New("execution cancelled")
	// ErrInvalidState is returned when an operation does not apply to the execution's status
	ErrInvalidState = errors.New("invalid execution state")
)

// GraphIssueKind classifies a graph validation problem
type GraphIssueKind string

const (
	IssueMissingID          GraphIssueKind = "missing_id"
	IssueDuplicateID        GraphIssueKind = "duplicate_id"
	IssueDanglingDependency GraphIssueKind = "dangling_dependency"
	IssueSelfDependency     GraphIssueKind = "self_dependency"
	IssueCycle              GraphIssueKind = "cycle"
)

// GraphIssue is one problem found while validating a job set
type GraphIssue struct {
	Kind    GraphIssueKind `json:"kind"`
	JobID   string         `json:"job_id"`
	Related string         `json:"related,omitempty"`
	Message string         `json:"message"`
}

// ValidationError lists every issue that caused a job set to be rejected
type ValidationError struct {
	Issues []GraphIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ErrValidation.Error()
	}
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// JobError reports the terminal failure of a single job
type JobError struct {
	JobID string
	Kind  error
	Err   error
}

// NewJobError wraps err as a failure of the given kind for jobID
func NewJobError(jobID string, kind, err error) *JobError {
	return &JobError{JobID: jobID, Kind: kind, Err: err}
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %s: %s", e.JobID, e.Kind)
	}
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Kind, e.Err)
}

// Unwrap exposes both the failure kind and the underlying cause
func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether a handler failure may be retried
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrConfiguration)
}
