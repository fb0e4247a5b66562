package orchestrator

import (
	"time"

	"github.com/aescanero/jobdag/pkg/domain"
)

// jobContext is the ports.JobContext handed to handlers
type jobContext struct {
	s     *Scheduler
	r     *run
	jobID string
}

func newJobContext(s *Scheduler, r *run, jobID string) *jobContext {
	return &jobContext{s: s, r: r, jobID: jobID}
}

func (c *jobContext) ExecutionID() string {
	return c.r.id()
}

func (c *jobContext) Log(msg string) {
	line := logLine(time.Now(), msg)
	c.r.updateJob(c.jobID, func(jr *domain.JobRun) {
		jr.Logs = append(jr.Logs, line)
	})
}

func (c *jobContext) GetOutput(jobID string) (any, bool) {
	return c.r.Output(jobID)
}

func (c *jobContext) UpdateProgress(percent float64) {
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}

	_, ok := c.r.updateJob(c.jobID, func(jr *domain.JobRun) {
		if jr.Status == domain.JobStatusRunning {
			jr.Progress = percent
		}
	})
	if !ok {
		return
	}

	c.s.publish(c.s.baseCtx, domain.TopicJobEvents, domain.EventTypeJobProgress, c.r.id(), c.jobID, map[string]any{
		"progress": percent,
	})
}

func logLine(at time.Time, msg string) string {
	return at.UTC().Format(time.RFC3339Nano) + " " + msg
}
