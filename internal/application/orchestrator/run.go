package orchestrator

import (
	"context"
	"sync"

	"github.com/aescanero/jobdag/pkg/domain"
)

// run is the in-memory state of one execution. The scheduler owns the
// execution record; every read and write goes through mu.
type run struct {
	mu        sync.RWMutex
	exec      *domain.Execution
	jobs      []domain.JobSpec
	index     map[string]int
	opts      ExecuteOptions
	cancelled bool
	active    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func newRun(exec *domain.Execution, jobs []domain.JobSpec, opts ExecuteOptions) *run {
	r := &run{
		exec:  exec,
		jobs:  append([]domain.JobSpec(nil), jobs...),
		index: make(map[string]int, len(jobs)),
		opts:  opts,
	}
	for i, job := range r.jobs {
		r.index[job.ID] = i
		if _, ok := exec.Jobs[job.ID]; !ok {
			exec.Jobs[job.ID] = &domain.JobRun{JobID: job.ID, Status: domain.JobStatusPending}
		}
	}
	return r
}

func (r *run) id() string {
	return r.exec.ID
}

// snapshot returns a deep copy of the execution record
func (r *run) snapshot() *domain.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.Clone()
}

// specs returns a copy of the job list, including generated jobs
func (r *run) specs() []domain.JobSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.JobSpec(nil), r.jobs...)
}

func (r *run) spec(jobID string) (domain.JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[jobID]
	if !ok {
		return domain.JobSpec{}, false
	}
	return r.jobs[i], true
}

// Output implements domain.OutputLookup over completed and skipped jobs
func (r *run) Output(jobID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jr, ok := r.exec.Jobs[jobID]
	if !ok || !jr.Status.IsSuccessful() {
		return nil, false
	}
	return jr.Output, true
}

func (r *run) jobStatus(jobID string) domain.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if jr, ok := r.exec.Jobs[jobID]; ok {
		return jr.Status
	}
	return ""
}

func (r *run) isPaused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.Paused
}

func (r *run) isCancelled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled
}

// updateJob applies fn to a job run unless the job was cancelled, and returns
// a copy of the result for persistence.
func (r *run) updateJob(jobID string, fn func(jr *domain.JobRun)) (domain.JobRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jr, ok := r.exec.Jobs[jobID]
	if !ok || jr.Status == domain.JobStatusCancelled {
		return domain.JobRun{}, false
	}
	fn(jr)
	return *jr.Clone(), true
}

// addJobs appends generated jobs. Ids already present are returned as duplicates.
func (r *run) addJobs(jobs []domain.JobSpec) (added []domain.JobSpec, duplicates []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range jobs {
		if job.ID == "" {
			duplicates = append(duplicates, job.ID)
			continue
		}
		if _, exists := r.index[job.ID]; exists {
			duplicates = append(duplicates, job.ID)
			continue
		}
		r.index[job.ID] = len(r.jobs)
		r.jobs = append(r.jobs, job)
		r.exec.Jobs[job.ID] = &domain.JobRun{JobID: job.ID, Status: domain.JobStatusPending}
		added = append(added, job)
	}
	return added, duplicates
}

// dependencyState reports whether every dependency of job succeeded, and the
// first dependency that ended without success.
func (r *run) dependencyState(job domain.JobSpec) (ready bool, blockedBy string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ready = true
	for _, dep := range job.DependsOn {
		jr, ok := r.exec.Jobs[dep]
		if !ok {
			return false, dep
		}
		if !jr.Status.IsTerminal() {
			ready = false
			continue
		}
		if !jr.Status.IsSuccessful() {
			return false, dep
		}
	}
	return ready, ""
}

// firstFailure returns the first failed job in submission order
func (r *run) firstFailure() (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, job := range r.jobs {
		if jr := r.exec.Jobs[job.ID]; jr != nil && jr.Status == domain.JobStatusFailed {
			return job.ID, jr.Error, true
		}
	}
	return "", "", false
}

// resetInterrupted turns running jobs back into pending ones
func (r *run) resetInterrupted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, jr := range r.exec.Jobs {
		if jr.Status == domain.JobStatusRunning {
			jr.Status = domain.JobStatusPending
			jr.Progress = 0
		}
	}
}
