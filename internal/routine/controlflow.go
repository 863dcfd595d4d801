package routine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/agentcore/internal/agentcore"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// runControlFlow executes task's map/fold/until iteration, per spec.md
// §4.6 "Control flow operators". All iterative operators enforce
// maxIterations as a hard cap.
func (e *Executor) runControlFlow(ctx context.Context, agent *agentcore.Agent, task *models.Task, binds bindings) error {
	cf := task.ControlFlow
	switch cf.Kind {
	case models.ControlFlowMap, models.ControlFlowFold:
		return e.runMapFold(ctx, agent, task, cf, binds)
	case models.ControlFlowUntil:
		return e.runUntil(ctx, agent, task, cf, binds)
	default:
		return fmt.Errorf("unknown control flow kind %q", cf.Kind)
	}
}

func (e *Executor) runMapFold(ctx context.Context, agent *agentcore.Agent, task *models.Task, cf *models.ControlFlow, binds bindings) error {
	items, err := resolveSource(cf.Source, e.cfg.Memory, e.plan)
	if err != nil {
		return err
	}
	if cf.MaxIterations > 0 && len(items) > cf.MaxIterations {
		return fmt.Errorf("task %q: control flow source resolved to %d items, exceeding maxIterations=%d", task.ID, len(items), cf.MaxIterations)
	}

	accumulator := cf.InitialValue
	var mapResults []any

	for i, item := range items {
		iterBinds := cloneBindings(binds)
		iterBinds.set("map", "item", stringify(item))
		iterBinds.set("map", "index", strconv.Itoa(i))
		iterBinds.set("map", "total", strconv.Itoa(len(items)))
		if cf.Kind == models.ControlFlowFold {
			iterBinds.set("fold", "accumulator", stringify(accumulator))
		}

		if err := e.runSubTasks(ctx, agent, cf.Tasks, iterBinds, cf.IterationTimeoutMs); err != nil {
			return err
		}

		out := lastSubTaskOutput(cf.Tasks)
		if cf.Kind == models.ControlFlowFold {
			accumulator = out
		} else {
			mapResults = append(mapResults, out)
		}
	}

	if cf.ResultKey != "" && e.cfg.Memory != nil {
		if cf.Kind == models.ControlFlowFold {
			_ = e.cfg.Memory.Set(cf.ResultKey, "fold result for "+task.ID, accumulator)
		} else {
			_ = e.cfg.Memory.Set(cf.ResultKey, "map result for "+task.ID, mapResults)
		}
	}
	return nil
}

func (e *Executor) runUntil(ctx context.Context, agent *agentcore.Agent, task *models.Task, cf *models.ControlFlow, binds bindings) error {
	maxIter := cf.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	for i := 0; i < maxIter; i++ {
		if cf.IterationKey != "" && e.cfg.Memory != nil {
			_ = e.cfg.Memory.Set(cf.IterationKey, "until iteration index for "+task.ID, i)
		}

		if err := e.runSubTasks(ctx, agent, cf.Tasks, binds, cf.IterationTimeoutMs); err != nil {
			return err
		}

		if cf.Condition != nil {
			ok, err := evaluateCondition(cf.Condition, e.cfg.Memory)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
	return fmt.Errorf("task %q: until control flow exceeded maxIterations=%d without satisfying its condition", task.ID, maxIter)
}

// runSubTasks executes a control-flow operator's inline task sequence in
// order, sharing the parent task's Agent instance. A non-zero
// iterationTimeoutMs cancels only this iteration, per spec.md §4.6.
func (e *Executor) runSubTasks(ctx context.Context, agent *agentcore.Agent, tasks []*models.Task, binds bindings, iterationTimeoutMs int) error {
	iterCtx := ctx
	if iterationTimeoutMs > 0 {
		var cancel context.CancelFunc
		iterCtx, cancel = context.WithTimeout(ctx, time.Duration(iterationTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	for _, sub := range tasks {
		sub.Transition(models.TaskInProgress)
		if err := e.executeOnce(iterCtx, agent, sub, binds); err != nil {
			sub.Transition(models.TaskFailed)
			if sub.Result == nil {
				sub.Result = &models.TaskResult{}
			}
			sub.Result.Error = err.Error()
			return err
		}
		sub.Transition(models.TaskCompleted)
	}
	return nil
}

func lastSubTaskOutput(tasks []*models.Task) any {
	if len(tasks) == 0 {
		return nil
	}
	last := tasks[len(tasks)-1]
	if last.Result == nil {
		return nil
	}
	return last.Result.OutputText
}

func cloneBindings(b bindings) bindings {
	next := newBindings()
	for ns, kv := range b {
		for k, v := range kv {
			next.set(ns, k, v)
		}
	}
	return next
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// resolveSource resolves a control-flow source specifier into an array:
// a bare memory key, a "{taskName}" reference to another task's JSON
// output, or a "{key,path}" dot-path lookup into a memory value. Ground:
// spec.md §4.6 "Control flow operators".
func resolveSource(source string, memory models.WorkingMemory, plan *models.Plan) ([]any, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, fmt.Errorf("control flow source is required")
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		inner := trimmed[1 : len(trimmed)-1]
		if key, path, ok := strings.Cut(inner, ","); ok {
			if memory == nil {
				return nil, fmt.Errorf("source %q requires working memory, none configured", source)
			}
			val, exists := memory.Get(strings.TrimSpace(key))
			if !exists {
				return nil, fmt.Errorf("source memory key %q not found", key)
			}
			return jsonPathArray(val, strings.TrimSpace(path))
		}

		taskName := strings.TrimSpace(inner)
		t := plan.TaskByName(taskName)
		if t == nil || t.Result == nil {
			return nil, fmt.Errorf("source task reference %q has no result", taskName)
		}
		return parseJSONArray(t.Result.OutputText)
	}

	if memory == nil {
		return nil, fmt.Errorf("control flow source %q requires working memory, none configured", source)
	}
	val, exists := memory.Get(trimmed)
	if !exists {
		return nil, fmt.Errorf("source memory key %q not found", trimmed)
	}
	return toArray(val)
}

func toArray(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case string:
		return parseJSONArray(x)
	default:
		return nil, fmt.Errorf("value is not an array: %T", v)
	}
}

func parseJSONArray(text string) ([]any, error) {
	var arr []any
	if err := json.Unmarshal([]byte(text), &arr); err != nil {
		return nil, fmt.Errorf("control flow source is not a JSON array: %w", err)
	}
	return arr, nil
}

// jsonPathArray resolves a dot-separated path (e.g. "results.items") into
// a nested map and returns the array found there.
func jsonPathArray(v any, path string) ([]any, error) {
	cur := v
	if path != "" {
		for _, segment := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("path segment %q: value is not an object", segment)
			}
			cur, ok = m[segment]
			if !ok {
				return nil, fmt.Errorf("path segment %q not found", segment)
			}
		}
	}
	return toArray(cur)
}
