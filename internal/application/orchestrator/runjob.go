package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/jobdag/internal/application/resultcache"
	"github.com/aescanero/jobdag/pkg/domain"
	"github.com/aescanero/jobdag/pkg/ports"
	"go.uber.org/zap"
)

// runJob takes one pending job to a terminal state: condition, handler lookup,
// cache, resource limits, per-job lock and the retry loop.
func (s *Scheduler) runJob(ctx context.Context, r *run, job domain.JobSpec) (any, error) {
	if r.isCancelled() || ctx.Err() != nil {
		return nil, errStopped
	}

	logger := s.logger.With(
		zap.String("execution_id", r.id()),
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind))

	if job.HasCondition() {
		proceed, err := s.evaluateCondition(ctx, r, job)
		if err != nil {
			return nil, s.fail(ctx, r, job, err, time.Time{})
		}
		if !proceed {
			return s.skip(ctx, r, job, logger)
		}
	}

	handler, ok := s.handler(job.Kind)
	if !ok {
		err := domain.NewJobError(job.ID, domain.ErrConfiguration, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return nil, s.fail(ctx, r, job, err, time.Time{})
	}

	cacheKey, cacheable := s.cacheKey(r, job, logger)
	if cacheable && !r.opts.ForceRerun {
		entry, hit := s.cache.Get(ctx, cacheKey)
		s.metrics.RecordCacheLookup(hit)
		if hit {
			return s.complete(ctx, r, job, entry.Output, time.Time{}, "", "cache hit", logger)
		}
	}

	if err := job.ResourceLimits.Validate(); err != nil {
		return nil, s.fail(ctx, r, job, domain.NewJobError(job.ID, domain.ErrConfiguration, err), time.Time{})
	}

	release, err := s.lockJob(ctx, r, job, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errStopped
		}
		return nil, s.fail(ctx, r, job, domain.NewJobError(job.ID, domain.ErrLockContention, err), time.Time{})
	}
	defer release()

	if output, adopted := s.adoptResult(ctx, r, job, logger); adopted {
		return output, nil
	}

	if err := s.state.AddCurrentJob(ctx, r.id(), job.ID); err != nil {
		logger.Warn("failed to record current job", zap.Error(err))
	}

	return s.attempt(ctx, r, job, handler, cacheKey, cacheable, logger)
}

// attempt is the retry loop around a single handler
func (s *Scheduler) attempt(ctx context.Context, r *run, job domain.JobSpec, handler ports.JobHandler, cacheKey string, cacheable bool, logger *zap.Logger) (any, error) {
	jc := newJobContext(s, r, job.ID)
	maxAttempts := job.MaxAttempts()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.defaultJobTimeout
	}

	for attempt := 1; ; attempt++ {
		if r.isCancelled() || ctx.Err() != nil {
			return nil, errStopped
		}

		started := time.Now()
		if _, ok := r.updateJob(job.ID, func(jr *domain.JobRun) {
			jr.Status = domain.JobStatusRunning
			jr.Attempt = attempt
			jr.StartedAt = &started
			jr.CompletedAt = nil
			jr.Error = ""
		}); !ok {
			return nil, errStopped
		}

		s.publish(ctx, domain.TopicJobEvents, domain.EventTypeJobStarted, r.id(), job.ID, map[string]any{
			"kind":    job.Kind,
			"attempt": attempt,
		})
		logger.Debug("job started", zap.Int("attempt", attempt))

		output, err := s.invoke(ctx, handler, job, jc, timeout)
		if err == nil {
			return s.complete(ctx, r, job, output, started, cacheKeyIf(cacheable, cacheKey), "", logger)
		}

		if r.isCancelled() || ctx.Err() != nil {
			return nil, errStopped
		}

		kind := domain.ErrHandler
		if errors.Is(err, domain.ErrTimeout) {
			kind = domain.ErrTimeout
			s.audit.LogJobTimeout(r.id(), job.ID, timeout.Milliseconds())
		}

		if !domain.IsRetryable(err) || attempt >= maxAttempts {
			logger.Error("job failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, s.fail(ctx, r, job, domain.NewJobError(job.ID, kind, err), started)
		}

		delay := job.RetryPolicy.Delay(attempt)
		jc.Log(fmt.Sprintf("attempt %d failed: %v; retrying in %s", attempt, err, delay))
		s.metrics.RecordJobRetry(job.Kind)
		s.publish(ctx, domain.TopicJobEvents, domain.EventTypeJobRetrying, r.id(), job.ID, map[string]any{
			"attempt":  attempt,
			"error":    err.Error(),
			"delay_ms": delay.Milliseconds(),
		})
		logger.Warn("job attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, errStopped
			}
		}
	}
}

func cacheKeyIf(ok bool, key string) string {
	if ok {
		return key
	}
	return ""
}

// invoke races the handler against the timeout and the execution context.
// On timeout the handler's context is cancelled but the handler is not waited for.
func (s *Scheduler) invoke(ctx context.Context, handler ports.JobHandler, job domain.JobSpec, jc ports.JobContext, timeout time.Duration) (any, error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan jobOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- jobOutcome{err: fmt.Errorf("%w: handler panicked: %v", domain.ErrHandler, p)}
			}
		}()
		output, err := handler.Handle(hctx, job, jc)
		done <- jobOutcome{output: output, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-done:
		return res.output, res.err
	case <-expired:
		return nil, fmt.Errorf("%w after %s", domain.ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// evaluateCondition runs the job's predicate. Errors, unknown condition
// names and predicates lost in serialization are configuration failures and
// are never retried.
func (s *Scheduler) evaluateCondition(ctx context.Context, r *run, job domain.JobSpec) (proceed bool, err error) {
	cond := job.Condition
	if cond == nil && job.ConditionName == "" {
		return false, domain.NewJobError(job.ID, domain.ErrConfiguration,
			errors.New("in-process condition was not restored; register it with RegisterCondition and set condition by name"))
	}
	if cond == nil {
		c, ok := s.condition(job.ConditionName)
		if !ok {
			return false, domain.NewJobError(job.ID, domain.ErrConfiguration, fmt.Errorf("unknown condition %q", job.ConditionName))
		}
		cond = c
	}

	defer func() {
		if p := recover(); p != nil {
			proceed = false
			err = domain.NewJobError(job.ID, domain.ErrConfiguration, fmt.Errorf("condition panicked: %v", p))
		}
	}()

	ok, cerr := cond(ctx, r, r.id())
	if cerr != nil {
		return false, domain.NewJobError(job.ID, domain.ErrConfiguration, fmt.Errorf("condition evaluation failed: %w", cerr))
	}
	return ok, nil
}

// cacheKey fingerprints a job from its kind, config and upstream outputs
func (s *Scheduler) cacheKey(r *run, job domain.JobSpec, logger *zap.Logger) (string, bool) {
	if !s.cache.Enabled() || r.opts.DisableCache {
		return "", false
	}

	upstream := make(map[string]any, len(job.DependsOn))
	for _, dep := range job.DependsOn {
		if output, ok := r.Output(dep); ok {
			upstream[dep] = output
		}
	}

	key, err := resultcache.Fingerprint(job.Kind, job.Config, upstream, s.codeVersion)
	if err != nil {
		logger.Debug("job is not cacheable", zap.Error(err))
		return "", false
	}
	return key, true
}

// lockJob takes the per-job lock and keeps it alive until the returned release is called
func (s *Scheduler) lockJob(ctx context.Context, r *run, job domain.JobSpec, logger *zap.Logger) (func(), error) {
	resource := fmt.Sprintf("execution:%s:job:%s", r.id(), job.ID)

	lock, err := s.acquireLock(ctx, resource, "job", logger)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok, err := s.state.ExtendLock(context.WithoutCancel(ctx), resource, lock.ID, s.lockTTL)
				if err != nil {
					logger.Warn("failed to extend job lock", zap.Error(err))
				} else if !ok {
					logger.Warn("job lock lost", zap.String("resource", resource))
				}
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
		if _, err := s.state.ReleaseLock(context.WithoutCancel(ctx), resource, lock.ID); err != nil {
			logger.Warn("failed to release job lock", zap.Error(err))
		}
	}, nil
}

// acquireLock polls the state store until the lock is free or the lock wait elapses
func (s *Scheduler) acquireLock(ctx context.Context, resource, label string, logger *zap.Logger) (*domain.Lock, error) {
	deadline := time.Now().Add(s.lockWait)
	var lastErr error

	for {
		lock, acquired, err := s.state.AcquireLock(ctx, resource, s.workerID, s.lockTTL)
		if err == nil && acquired {
			return lock, nil
		}
		if err != nil {
			lastErr = err
			logger.Warn("failed to acquire lock",
				zap.String("resource", resource),
				zap.Error(err))
		} else {
			s.metrics.RecordLockContention(label)
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrLockContention, resource, lastErr)
			}
			return nil, fmt.Errorf("%w: %s held by another worker", domain.ErrLockContention, resource)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.lockPollInterval):
		}
	}
}

// adoptResult takes over a result another worker recorded for this job while
// we waited for its lock.
func (s *Scheduler) adoptResult(ctx context.Context, r *run, job domain.JobSpec, logger *zap.Logger) (any, bool) {
	state, err := s.state.GetExecutionState(ctx, r.id())
	if err != nil {
		return nil, false
	}
	result, ok := state.Results[job.ID]
	if !ok || !result.Success {
		return nil, false
	}

	completed := result.CompletedAt
	if _, ok := r.updateJob(job.ID, func(jr *domain.JobRun) {
		jr.Status = result.Status
		jr.Output = result.Output
		jr.CompletedAt = &completed
		jr.Progress = 100
	}); !ok {
		return nil, false
	}

	logger.Info("job already completed by another worker")
	return result.Output, true
}

func (s *Scheduler) skip(ctx context.Context, r *run, job domain.JobSpec, logger *zap.Logger) (any, error) {
	output := domain.SkippedOutput()
	now := time.Now()
	jr, ok := r.updateJob(job.ID, func(jr *domain.JobRun) {
		jr.Status = domain.JobStatusSkipped
		jr.Output = output
		jr.CompletedAt = &now
		jr.Logs = append(jr.Logs, logLine(now, "condition not met, skipping"))
	})
	if !ok {
		return nil, errStopped
	}

	logger.Info("job skipped")
	s.recordTerminal(ctx, r, job, jr, 0)
	return output, nil
}

// complete records a successful job. A non-empty cacheKey writes the output through to the cache.
func (s *Scheduler) complete(ctx context.Context, r *run, job domain.JobSpec, output any, started time.Time, cacheKey, note string, logger *zap.Logger) (any, error) {
	now := time.Now()
	jr, ok := r.updateJob(job.ID, func(jr *domain.JobRun) {
		jr.Status = domain.JobStatusCompleted
		jr.Output = output
		jr.CompletedAt = &now
		jr.Progress = 100
		if note != "" {
			jr.Logs = append(jr.Logs, logLine(now, note))
		}
	})
	if !ok {
		return nil, errStopped
	}

	if cacheKey != "" {
		if err := s.cache.Put(ctx, cacheKey, output, r.id(), job.ID); err != nil && !errors.Is(err, domain.ErrCacheDisabled) {
			logger.Warn("result not cached", zap.Error(err))
		}
	}

	var duration time.Duration
	if !started.IsZero() {
		duration = now.Sub(started)
	}
	logger.Info("job completed", zap.Duration("duration", duration))
	s.recordTerminal(ctx, r, job, jr, duration)
	return output, nil
}

// fail records a terminal job failure and returns err
func (s *Scheduler) fail(ctx context.Context, r *run, job domain.JobSpec, err error, started time.Time) error {
	now := time.Now()
	jr, ok := r.updateJob(job.ID, func(jr *domain.JobRun) {
		jr.Status = domain.JobStatusFailed
		jr.Error = err.Error()
		jr.CompletedAt = &now
	})
	if !ok {
		return errStopped
	}

	var duration time.Duration
	if !started.IsZero() {
		duration = now.Sub(started)
	}
	s.recordTerminal(ctx, r, job, jr, duration)
	return err
}

// recordTerminal writes a finished job run to the state store, the sink,
// metrics and the event bus. Store and sink failures are logged only.
func (s *Scheduler) recordTerminal(ctx context.Context, r *run, job domain.JobSpec, jr domain.JobRun, duration time.Duration) {
	persistCtx := context.WithoutCancel(ctx)

	result := domain.JobResult{
		Success: jr.Status.IsSuccessful(),
		Status:  jr.Status,
		Output:  jr.Output,
		Error:   jr.Error,
	}
	if jr.CompletedAt != nil {
		result.CompletedAt = *jr.CompletedAt
	}

	if err := s.state.CompleteJob(persistCtx, r.id(), job.ID, result); err != nil {
		s.logger.Warn("failed to record job result",
			zap.String("execution_id", r.id()),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	if err := s.sink.SaveJobRun(persistCtx, r.id(), jr); err != nil {
		s.logger.Warn("persistence sink rejected job run",
			zap.String("execution_id", r.id()),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}

	s.metrics.RecordJobFinished(job.Kind, string(jr.Status), duration)

	data := map[string]any{
		"kind":   job.Kind,
		"status": string(jr.Status),
	}
	var eventType domain.EventType
	switch jr.Status {
	case domain.JobStatusCompleted:
		eventType = domain.EventTypeJobCompleted
	case domain.JobStatusSkipped:
		eventType = domain.EventTypeJobSkipped
	default:
		eventType = domain.EventTypeJobFailed
		data["error"] = jr.Error
	}
	s.publish(persistCtx, domain.TopicJobEvents, eventType, r.id(), job.ID, data)
}
