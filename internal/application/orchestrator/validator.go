package orchestrator

import (
	"container/heap"
	"fmt"

	"github.com/aescanero/jobdag/pkg/domain"
)

// Validator validates job graphs and computes their execution layers
type Validator struct{}

// NewValidator creates a new graph validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks that every dependency resolves and the graph is acyclic.
// All problems are reported together in a *domain.ValidationError.
func (v *Validator) Validate(jobs []domain.JobSpec) error {
	var issues []domain.GraphIssue

	index := make(map[string]int, len(jobs))
	for i, job := range jobs {
		if job.ID == "" {
			issues = append(issues, domain.GraphIssue{
				Kind:    domain.IssueMissingID,
				Message: fmt.Sprintf("job at position %d has no id", i),
			})
			continue
		}
		if _, dup := index[job.ID]; dup {
			issues = append(issues, domain.GraphIssue{
				Kind:    domain.IssueDuplicateID,
				JobID:   job.ID,
				Message: fmt.Sprintf("duplicate job id %s", job.ID),
			})
			continue
		}
		index[job.ID] = i
	}

	for _, job := range jobs {
		if job.ID == "" {
			continue
		}
		for _, dep := range job.DependsOn {
			if dep == job.ID {
				issues = append(issues, domain.GraphIssue{
					Kind:    domain.IssueSelfDependency,
					JobID:   job.ID,
					Related: dep,
					Message: fmt.Sprintf("job %s depends on itself", job.ID),
				})
				continue
			}
			if _, ok := index[dep]; !ok {
				issues = append(issues, domain.GraphIssue{
					Kind:    domain.IssueDanglingDependency,
					JobID:   job.ID,
					Related: dep,
					Message: fmt.Sprintf("job %s depends on unknown job %s", job.ID, dep),
				})
			}
		}
	}

	issues = append(issues, findCycles(jobs, index)...)

	if len(issues) > 0 {
		return &domain.ValidationError{Issues: issues}
	}
	return nil
}

// findCycles reports every back-edge found by a depth-first walk over the
// dependency edges. Unknown and self dependencies are reported elsewhere.
func findCycles(jobs []domain.JobSpec, index map[string]int) []domain.GraphIssue {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(jobs))
	var issues []domain.GraphIssue

	var dfs func(u int)
	dfs = func(u int) {
		color[u] = gray
		for _, dep := range jobs[u].DependsOn {
			w, ok := index[dep]
			if !ok || w == u {
				continue
			}
			switch color[w] {
			case white:
				dfs(w)
			case gray:
				issues = append(issues, domain.GraphIssue{
					Kind:    domain.IssueCycle,
					JobID:   jobs[u].ID,
					Related: jobs[w].ID,
					Message: fmt.Sprintf("dependency cycle between %s and %s", jobs[u].ID, jobs[w].ID),
				})
			}
		}
		color[u] = black
	}

	for i, job := range jobs {
		if job.ID == "" || index[job.ID] != i || color[i] != white {
			continue
		}
		dfs(i)
	}

	return issues
}

// Layers partitions jobs so that every job's dependencies lie in strictly
// earlier layers. Jobs keep their submission order inside a layer. A round
// that places nothing while jobs remain means the graph was never validated
// and is reported as domain.ErrInvariantViolation.
func (v *Validator) Layers(jobs []domain.JobSpec) ([][]domain.JobSpec, error) {
	placed := make(map[string]bool, len(jobs))
	remaining := append([]domain.JobSpec(nil), jobs...)
	var layers [][]domain.JobSpec

	for len(remaining) > 0 {
		var layer, rest []domain.JobSpec
		for _, job := range remaining {
			if dependenciesPlaced(job, placed) {
				layer = append(layer, job)
			} else {
				rest = append(rest, job)
			}
		}

		if len(layer) == 0 {
			ids := make([]string, 0, len(rest))
			for _, job := range rest {
				ids = append(ids, job.ID)
			}
			return nil, fmt.Errorf("%w: no job can be placed among %v", domain.ErrInvariantViolation, ids)
		}

		for _, job := range layer {
			placed[job.ID] = true
		}
		layers = append(layers, layer)
		remaining = rest
	}

	return layers, nil
}

func dependenciesPlaced(job domain.JobSpec, placed map[string]bool) bool {
	for _, dep := range job.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder returns a flat dependency order using Kahn's algorithm.
// Ready jobs are emitted in submission order.
func (v *Validator) TopologicalOrder(jobs []domain.JobSpec) ([]domain.JobSpec, error) {
	index := make(map[string]int, len(jobs))
	for i, job := range jobs {
		index[job.ID] = i
	}

	indeg := make([]int, len(jobs))
	dependents := make([][]int, len(jobs))
	for i, job := range jobs {
		for _, dep := range job.DependsOn {
			d, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: job %s depends on unknown job %s", domain.ErrInvariantViolation, job.ID, dep)
			}
			indeg[i]++
			dependents[d] = append(dependents[d], i)
		}
	}

	ready := &indexHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]domain.JobSpec, 0, len(jobs))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, jobs[n])
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(order) != len(jobs) {
		return nil, fmt.Errorf("%w: dependency cycle prevents a topological order", domain.ErrInvariantViolation)
	}
	return order, nil
}
