package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
	"go.uber.org/zap"
)

type jobOutcome struct {
	job    domain.JobSpec
	output any
	err    error
}

// executeLayer runs the pending jobs of one layer with at most parallelism jobs
// in flight. Jobs generated by fan-out jobs join the queue once their
// dependencies have succeeded. It returns the first job failure; the rest of
// the layer still runs so every job of the layer reaches a terminal state.
// held reports that queued jobs were left unstarted because the execution was
// paused, cancelled or interrupted.
func (s *Scheduler) executeLayer(ctx context.Context, r *run, layer []domain.JobSpec, parallelism int) (progressed, held bool, err error) {
	queue := append([]domain.JobSpec(nil), layer...)
	var waiting []domain.JobSpec

	results := make(chan jobOutcome)
	running := 0
	var firstErr error

	for {
		for running < parallelism && len(queue) > 0 {
			if r.isPaused() || r.isCancelled() || ctx.Err() != nil {
				held = true
				break
			}
			job := queue[0]
			queue = queue[1:]
			running++
			go func(job domain.JobSpec) {
				output, err := s.runJob(ctx, r, job)
				results <- jobOutcome{job: job, output: output, err: err}
			}(job)
		}
		s.metrics.SetQueueDepth("jobs", len(queue)+len(waiting))

		if running == 0 {
			break
		}

		o := <-results
		running--
		progressed = true

		if o.err != nil {
			if !isStopError(o.err) && firstErr == nil {
				firstErr = o.err
				s.announceFailing(ctx, r, firstErr)
			}
		} else if o.job.Kind == domain.FanOutKind {
			queue, waiting = s.absorbGenerated(ctx, r, o.job, o.output, queue, waiting)
		}

		var failed error
		queue, waiting, failed = s.promoteWaiting(ctx, r, queue, waiting)
		if failed != nil && firstErr == nil {
			firstErr = failed
			s.announceFailing(ctx, r, firstErr)
		}
	}

	return progressed, held, firstErr
}

// announceFailing tells observers the execution is doomed while the rest of
// the layer is still draining
func (s *Scheduler) announceFailing(ctx context.Context, r *run, err error) {
	data := map[string]any{"error": err.Error()}
	var jobID string
	var jobErr *domain.JobError
	if errors.As(err, &jobErr) {
		jobID = jobErr.JobID
	}
	s.logger.Warn("execution failing, draining layer",
		zap.String("execution_id", r.id()),
		zap.String("job_id", jobID),
		zap.Error(err))
	s.publish(ctx, domain.TopicExecutionEvents, domain.EventTypeExecutionFailing, r.id(), jobID, data)
}

// errStopped is returned by runJob when the execution was cancelled or shut
// down while the job was queued or running.
var errStopped = errors.New("job stopped")

func isStopError(err error) bool {
	return errors.Is(err, errStopped)
}

// absorbGenerated adds the jobs embedded in a fan-out output to the execution
func (s *Scheduler) absorbGenerated(ctx context.Context, r *run, parent domain.JobSpec, output any, queue, waiting []domain.JobSpec) ([]domain.JobSpec, []domain.JobSpec) {
	generated, ok := domain.GeneratedJobs(output)
	if !ok {
		return queue, waiting
	}

	added, duplicates := r.addJobs(generated)
	for _, id := range duplicates {
		s.logger.Warn("ignoring generated job with duplicate id",
			zap.String("execution_id", r.id()),
			zap.String("parent_job_id", parent.ID),
			zap.String("job_id", id))
	}
	if len(added) == 0 {
		return queue, waiting
	}

	s.logger.Info("fan-out generated jobs",
		zap.String("execution_id", r.id()),
		zap.String("parent_job_id", parent.ID),
		zap.Int("count", len(added)))

	if err := s.validator.Validate(r.specs()); err != nil {
		// Cycles or unknown dependencies make the generated jobs unschedulable.
		for _, job := range added {
			s.fail(ctx, r, job, domain.NewJobError(job.ID, domain.ErrConfiguration, err), time.Time{})
		}
		return queue, waiting
	}

	return queue, append(waiting, added...)
}

// promoteWaiting moves generated jobs whose dependencies succeeded into the
// queue and fails those with a dependency that will never succeed.
func (s *Scheduler) promoteWaiting(ctx context.Context, r *run, queue, waiting []domain.JobSpec) ([]domain.JobSpec, []domain.JobSpec, error) {
	var still []domain.JobSpec
	var firstErr error

	for _, job := range waiting {
		if r.jobStatus(job.ID) != domain.JobStatusPending {
			continue
		}
		ready, blockedBy := r.dependencyState(job)
		switch {
		case blockedBy != "":
			err := domain.NewJobError(job.ID, domain.ErrConfiguration, fmt.Errorf("dependency %s did not succeed", blockedBy))
			s.fail(ctx, r, job, err, time.Time{})
			if firstErr == nil {
				firstErr = err
			}
		case ready:
			queue = append(queue, job)
		default:
			still = append(still, job)
		}
	}
	return queue, still, firstErr
}
