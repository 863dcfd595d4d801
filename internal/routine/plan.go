package routine

import (
	"fmt"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// NewPlan constructs a Plan from goal and tasks, rejecting a dependency
// graph that references an unknown task id or contains a cycle. Ground:
// §8 invariant 3 ("the dependency graph of any valid plan is acyclic").
func NewPlan(id, goal string, tasks []*models.Task, concurrency models.Concurrency) (*models.Plan, error) {
	plan := &models.Plan{
		ID:          id,
		Goal:        goal,
		Tasks:       tasks,
		Concurrency: concurrency,
		Status:      models.PlanPending,
	}
	if plan.Concurrency.MaxParallelTasks <= 0 {
		plan.Concurrency = models.DefaultConcurrency()
	}
	if err := validateGraph(plan.Tasks); err != nil {
		return nil, err
	}
	return plan, nil
}

// validateGraph checks that every dependsOn id resolves within tasks and
// that the resulting graph is acyclic, via DFS with a three-color mark.
func validateGraph(tasks []*models.Task) error {
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return models.NewError(models.ErrorDependencyMissing, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep)).
					WithContext("task", t.ID).WithContext("dependsOn", dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		t := byID[id]
		for _, dep := range t.DependsOn {
			switch color[dep] {
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case gray:
				cycle := append([]string{}, path...)
				cycle = append(cycle, dep)
				// Trim the cycle to start at dep's first occurrence.
				start := 0
				for i, v := range cycle {
					if v == dep {
						start = i
						break
					}
				}
				return cycle[start:]
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if cycle := visit(t.ID); cycle != nil {
				return models.NewError(models.ErrorDependencyCycle, "dependency cycle detected").
					WithContext("cycle", cycle)
			}
		}
	}
	return nil
}

// PlanUpdate is the diff accepted by UpdatePlan: addTasks/updateTasks/
// removeTasks, per spec.md §4.6 "Dynamic plan updates".
type PlanUpdate struct {
	AddTasks    []*models.Task
	UpdateTasks []*models.Task
	RemoveTasks []string
	Override    bool // allow removing an in_progress task
}

// UpdatePlan applies diff to plan in place, rejecting removal of an
// in-progress task (unless Override) and any graph that would introduce a
// cycle or dangling reference.
func UpdatePlan(plan *models.Plan, diff PlanUpdate) error {
	if !plan.AllowDynamicTasks {
		return models.NewError(models.ErrorPlanDynamicTasksOff, "plan does not allow dynamic task updates")
	}
	if len(diff.AddTasks) == 0 && len(diff.UpdateTasks) == 0 && len(diff.RemoveTasks) == 0 {
		return nil // empty diff is a no-op, per §8 round-trip property
	}

	next := make([]*models.Task, 0, len(plan.Tasks)+len(diff.AddTasks))
	removed := make(map[string]bool, len(diff.RemoveTasks))
	for _, id := range diff.RemoveTasks {
		removed[id] = true
	}
	updated := make(map[string]*models.Task, len(diff.UpdateTasks))
	for _, t := range diff.UpdateTasks {
		updated[t.ID] = t
	}

	for _, t := range plan.Tasks {
		if removed[t.ID] {
			if t.Status == models.TaskInProgress && !diff.Override {
				return models.NewError(models.ErrorInvalidConfig, fmt.Sprintf("cannot remove in-progress task %q without override", t.ID))
			}
			continue
		}
		if repl, ok := updated[t.ID]; ok {
			next = append(next, repl)
			continue
		}
		next = append(next, t)
	}
	next = append(next, diff.AddTasks...)

	if err := validateGraph(next); err != nil {
		return err
	}
	plan.Tasks = next
	return nil
}
