package ports

import (
	"context"

	"github.com/aescanero/jobdag/pkg/domain"
)

// JobContext is what a handler sees of the running execution
type JobContext interface {
	ExecutionID() string
	// Log appends a timestamped line to the job's run record.
	Log(msg string)
	// GetOutput returns the output of another job in the same execution.
	GetOutput(jobID string) (any, bool)
	// UpdateProgress reports completion percentage in [0, 100].
	UpdateProgress(percent float64)
}

// JobHandler performs the work of one job kind
type JobHandler interface {
	Handle(ctx context.Context, spec domain.JobSpec, jc JobContext) (any, error)
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc func(ctx context.Context, spec domain.JobSpec, jc JobContext) (any, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, spec domain.JobSpec, jc JobContext) (any, error) {
	return f(ctx, spec, jc)
}
