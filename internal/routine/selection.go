package routine

import (
	"sort"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// selectRunnable returns the tasks eligible to start now: status pending
// and every dependsOn id referencing a completed task, ordered by the
// plan's concurrency strategy and limited to the number of free slots.
// Ground: spec.md §4.6 "Task selection".
func selectRunnable(plan *models.Plan, freeSlots int) []*models.Task {
	if freeSlots <= 0 {
		return nil
	}

	completed := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.Status == models.TaskCompleted {
			completed[t.ID] = true
		}
	}

	var candidates []*models.Task
	for _, t := range plan.Tasks {
		if t.Status != models.TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, t)
		}
	}

	switch plan.Concurrency.Strategy {
	case models.StrategyPriority:
		sort.SliceStable(candidates, func(i, j int) bool {
			return taskPriority(candidates[i]) > taskPriority(candidates[j])
		})
	case models.StrategyShortestFirst:
		// Reserved: falls back to fifo (creation order), per spec.md §4.6.
	default:
		// fifo: candidates is already in plan.Tasks creation order.
	}

	if len(candidates) > freeSlots {
		candidates = candidates[:freeSlots]
	}
	return candidates
}

func taskPriority(t *models.Task) int {
	if t.Execution == nil {
		return 0
	}
	return t.Execution.Priority
}

// parallelEligible reports whether the plan's concurrency configuration and
// the task's own execution config permit it to run alongside others.
func parallelEligible(plan *models.Plan, t *models.Task) bool {
	return plan.Concurrency.MaxParallelTasks > 1 && t.Execution != nil && t.Execution.Parallel
}
