// Package routine implements the Routine Executor: it drives a Plan's
// task DAG to completion, one task at a time or up to maxParallelTasks
// concurrently, handling conditions, placeholder substitution, control
// flow (map/fold/until), external waits, validation, and dynamic plan
// updates. Ground: spec.md §4.6, adapted from the teacher's
// internal/tasks package (Scheduler/AgentExecutor concurrency-and-retry
// shape) and internal/cron's schedule parsing.
package routine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/agentcore/internal/agentcore"
	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/internal/workingmemory"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// smallResultTokenLimit is the threshold below which a dependency's output
// is kept in in-context memory; larger results move to working memory
// under the findings tier. Ground: spec.md §4.6 step 2.
const smallResultTokenLimit = 5000

// defaultTaskMaxIterations is execution.maxIterations' default, per
// spec.md §4.6 step 4.
const defaultTaskMaxIterations = 50

// PollFunc invokes a named tool out-of-band to check whether a `poll`
// external wait is satisfied; returning done=true resumes the task.
type PollFunc func(ctx context.Context, tool string) (done bool, data any, err error)

// Config controls the Executor's external-wait polling cadence and the
// Working Memory/Agent wiring it uses for every task.
type Config struct {
	Memory         models.WorkingMemory
	AgentFactory   func() *agentcore.Agent
	Poll           PollFunc
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	Metrics        *observability.Metrics
	Tracer         *observability.Tracer
	Logger         *slog.Logger
}

func sanitizeExecutorConfig(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Executor runs one Plan to completion. Ground: the teacher's
// tasks.Scheduler (poll/acquire/cleanup loops, semaphore-bounded
// concurrency, WorkerID-style logging) generalized from a distributed
// cron scheduler to a single-process DAG runner.
type Executor struct {
	plan   *models.Plan
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	webhooks map[string]chan any
	manual   map[string]chan any
}

// NewExecutor constructs an Executor for plan. Task launches are bounded
// by a weighted semaphore sized to concurrency.maxParallelTasks, ground:
// the teacher's tasks.Scheduler semaphore channel, replaced here with
// golang.org/x/sync/semaphore so TryAcquire can gate launches without
// blocking the selection loop.
func NewExecutor(plan *models.Plan, cfg Config) *Executor {
	cfg = sanitizeExecutorConfig(cfg)
	maxParallel := plan.Concurrency.MaxParallelTasks
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Executor{
		plan:     plan,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "routine.executor", "plan_id", plan.ID),
		sem:      semaphore.NewWeighted(int64(maxParallel)),
		webhooks: make(map[string]chan any),
		manual:   make(map[string]chan any),
	}
}

// TriggerExternal delivers data to a task blocked on a `webhook` external
// wait with the given webhookId. Returns an error if no task is currently
// waiting on it.
func (e *Executor) TriggerExternal(webhookID string, data any) error {
	e.mu.Lock()
	ch, ok := e.webhooks[webhookID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no task is waiting on webhook %q", webhookID)
	}
	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("webhook %q already has a pending delivery", webhookID)
	}
}

// CompleteTaskManually delivers data to a task blocked on a `manual`
// external wait.
func (e *Executor) CompleteTaskManually(taskID string, data any) error {
	e.mu.Lock()
	ch, ok := e.manual[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q is not waiting for manual completion", taskID)
	}
	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("task %q already has a pending manual completion", taskID)
	}
}

func (e *Executor) webhookChannel(id string) chan any {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.webhooks[id]
	if !ok {
		ch = make(chan any, 1)
		e.webhooks[id] = ch
	}
	return ch
}

func (e *Executor) manualChannel(taskID string) chan any {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.manual[taskID]
	if !ok {
		ch = make(chan any, 1)
		e.manual[taskID] = ch
	}
	return ch
}

type taskOutcome struct {
	task *models.Task
	err  error
}

// Run drives the plan to a terminal status, honoring concurrency.strategy
// for task selection and concurrency.failureMode for failure propagation.
// Ground: spec.md §4.6 "Task selection" and "Failure modes".
func (e *Executor) Run(ctx context.Context) error {
	e.plan.Status = models.PlanRunning
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	outcomes := make(chan taskOutcome)
	var failures []error
	failFast := false

	launch := func(t *models.Task) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.sem.Release(1)
			err := e.runTask(runCtx, t)
			select {
			case outcomes <- taskOutcome{task: t, err: err}:
			case <-runCtx.Done():
			}
		}()
	}

	handle := func(o taskOutcome) {
		if o.err != nil {
			failures = append(failures, o.err)
			e.logger.Error("task failed", "task_id", o.task.ID, "error", o.err)
			switch e.plan.Concurrency.FailureMode {
			case models.FailFast:
				failFast = true
				cancel()
			case models.FailAll, models.Continue:
				// keep going; other in-flight/pending tasks are unaffected.
			}
		}
	}

	for {
		if e.plan.IsTerminal() || failFast {
			break
		}
		runnable := selectRunnable(e.plan, len(e.plan.Tasks))

		launched := false
		deferred := false
		for _, t := range runnable {
			if t.Condition != nil {
				ok, err := evaluateCondition(t.Condition, e.cfg.Memory)
				if err != nil {
					t.Transition(models.TaskFailed)
					t.Result = &models.TaskResult{Error: err.Error()}
					e.recordTaskMetric(t)
					handle(taskOutcome{task: t, err: err})
					continue
				}
				if !ok {
					switch t.Condition.OnFalse {
					case models.OnFalseSkip:
						t.Transition(models.TaskSkipped)
						e.recordTaskMetric(t)
					case models.OnFalseFail:
						t.Transition(models.TaskFailed)
						err := models.NewError(models.ErrorInvalidConfig, "condition not satisfied")
						t.Result = &models.TaskResult{Error: err.Error()}
						e.recordTaskMetric(t)
						handle(taskOutcome{task: t, err: err})
					case models.OnFalseWait:
						deferred = true
					}
					continue
				}
			}
			if e.inFlightCount() > 0 {
				// A task runs alongside others only when it and every
				// in-flight task are parallel-eligible.
				alongside := parallelEligible(e.plan, t)
				for _, other := range e.plan.Tasks {
					if other.Status == models.TaskInProgress && !parallelEligible(e.plan, other) {
						alongside = false
					}
				}
				if !alongside {
					continue
				}
			}
			if !e.sem.TryAcquire(1) {
				// maxParallelTasks slots are all in use; this task and any
				// further candidates this round wait for the next pass.
				continue
			}
			t.Transition(models.TaskInProgress)
			launch(t)
			launched = true
		}

		if !launched && e.inFlightCount() == 0 {
			if deferred {
				select {
				case <-time.After(e.cfg.PollInterval):
					continue
				case <-runCtx.Done():
				}
			}
			break
		}
		if e.inFlightCount() > 0 {
			select {
			case o := <-outcomes:
				handle(o)
			case <-runCtx.Done():
			}
		}
	}

	wg.Wait()
	for _, t := range e.plan.Tasks {
		if !t.Status.IsTerminal() {
			t.Transition(models.TaskCancelled)
			e.recordTaskMetric(t)
		}
	}
	e.plan.Recompute()

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordRoutinePlan(string(e.plan.Status))
	}

	if failFast && len(failures) > 0 {
		return failures[0]
	}
	if e.plan.Concurrency.FailureMode == models.FailAll && len(failures) > 0 {
		return combineErrors(failures)
	}
	if e.plan.Status == models.PlanFailed && len(failures) > 0 {
		return failures[0]
	}
	return nil
}

func (e *Executor) inFlightCount() int {
	n := 0
	for _, t := range e.plan.Tasks {
		if t.Status == models.TaskInProgress {
			n++
		}
	}
	return n
}

func combineErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%d tasks failed: %w (and %d more)", len(errs), errs[0], len(errs)-1)
}

// runTask drives one top-level task (and any control-flow sub-tasks it
// owns) through the per-task run/retry/validate cycle of spec.md §4.6.
func (e *Executor) runTask(ctx context.Context, task *models.Task) (taskErr error) {
	agent := e.cfg.AgentFactory()
	if e.cfg.Metrics != nil {
		agent.SetMetrics(e.cfg.Metrics)
	}
	if e.cfg.Tracer != nil {
		agent.SetTracer(e.cfg.Tracer)
		var span trace.Span
		ctx, span = e.cfg.Tracer.TraceRoutineTask(ctx, task.ID, task.Name)
		defer span.End()
		defer func() { e.cfg.Tracer.RecordError(span, taskErr) }()
	}

	for {
		err := e.executeOnce(ctx, agent, task, newBindings().withParams(e.plan.Params))
		if err == nil {
			task.Transition(models.TaskCompleted)
			e.recordTaskMetric(task)
			return nil
		}
		if !models.IsRetryable(err) || task.Attempts >= maxAttempts(task) {
			task.Transition(models.TaskFailed)
			if task.Result == nil {
				task.Result = &models.TaskResult{}
			}
			task.Result.Error = err.Error()
			e.recordTaskMetric(task)
			return err
		}
		e.logger.Warn("task retrying", "task_id", task.ID, "attempt", task.Attempts, "error", err)
		task.Transition(models.TaskInProgress)
	}
}

func (e *Executor) recordTaskMetric(task *models.Task) {
	if e.cfg.Metrics == nil {
		return
	}
	var duration time.Duration
	if task.StartedAt != nil && task.CompletedAt != nil {
		duration = task.CompletedAt.Sub(*task.StartedAt)
	}
	e.cfg.Metrics.RecordRoutineTask(string(task.Status), duration)
}

func maxAttempts(t *models.Task) int {
	if t.MaxAttempts <= 0 {
		return 3
	}
	return t.MaxAttempts
}

func (e *Executor) executeOnce(ctx context.Context, agent *agentcore.Agent, task *models.Task, binds bindings) error {
	if task.ControlFlow != nil {
		return e.runControlFlow(ctx, agent, task, binds)
	}
	if task.ExternalDependency != nil && task.ExternalDependency.ReceivedAt == nil {
		data, err := e.awaitExternal(ctx, task)
		if err != nil {
			return err
		}
		if e.cfg.Memory != nil {
			_ = e.cfg.Memory.Set("external."+task.ID, "payload received for "+task.Name, data,
				workingmemory.WithTier(models.TierFindings))
		}
	}
	return e.leafRun(ctx, agent, task, binds)
}

// awaitExternal blocks until task's externalDependency resolves or times
// out, recording the outcome. Ground: spec.md §4.6 "External waits".
func (e *Executor) awaitExternal(ctx context.Context, task *models.Task) (any, error) {
	data, err := e.awaitExternalWait(ctx, task)
	if e.cfg.Metrics != nil {
		outcome := "resolved"
		if kind, ok := models.KindOf(err); ok && kind == models.ErrorExternalWaitTimeout {
			outcome = "timeout"
		}
		if err == nil || outcome == "timeout" {
			e.cfg.Metrics.RecordExternalWait(string(task.ExternalDependency.Type), outcome)
		}
	}
	return data, err
}

func (e *Executor) awaitExternalWait(ctx context.Context, task *models.Task) (any, error) {
	dep := task.ExternalDependency
	task.Transition(models.TaskWaitingExternal)

	timeout := time.Duration(dep.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	switch dep.Type {
	case models.ExternalWaitWebhook:
		ch := e.webhookChannel(dep.WebhookID)
		select {
		case data := <-ch:
			now := time.Now()
			dep.ReceivedAt = &now
			dep.Data = data
			return data, nil
		case <-deadline.C:
			return nil, models.NewError(models.ErrorExternalWaitTimeout, "webhook "+dep.WebhookID+" timed out").WithContext("reason", "timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case models.ExternalWaitManual:
		ch := e.manualChannel(task.ID)
		select {
		case data := <-ch:
			now := time.Now()
			dep.ReceivedAt = &now
			dep.Data = data
			return data, nil
		case <-deadline.C:
			return nil, models.NewError(models.ErrorExternalWaitTimeout, "manual completion of "+task.ID+" timed out").WithContext("reason", "timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case models.ExternalWaitPoll:
		if e.cfg.Poll == nil {
			return nil, fmt.Errorf("task %q has a poll external dependency but no PollFunc is configured", task.ID)
		}
		interval := time.Duration(dep.PollIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = e.cfg.PollInterval
		}
		for {
			done, data, err := e.cfg.Poll(ctx, dep.PollTool)
			if err != nil {
				return nil, err
			}
			if done {
				now := time.Now()
				dep.ReceivedAt = &now
				dep.Data = data
				return data, nil
			}
			select {
			case <-time.After(interval):
			case <-deadline.C:
				return nil, models.NewError(models.ErrorExternalWaitTimeout, "poll for "+task.ID+" timed out").WithContext("reason", "timeout")
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

	case models.ExternalWaitScheduled:
		next, err := nextScheduledRun(dep.ScheduledAt, time.Now())
		if err != nil {
			return nil, err
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		if wait > timeout {
			return nil, models.NewError(models.ErrorExternalWaitTimeout, "scheduled run for "+task.ID+" exceeds timeoutMs").WithContext("reason", "timeout")
		}
		select {
		case <-time.After(wait):
			now := time.Now()
			dep.ReceivedAt = &now
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, fmt.Errorf("unknown external dependency type %q", dep.Type)
	}
}

// leafRun executes one task's own prompt: memory injection, placeholder
// resolution, the per-task pause:check hook, the agent call, validation,
// and conversation cleanup. Ground: spec.md §4.6 steps 2-7.
func (e *Executor) leafRun(ctx context.Context, agent *agentcore.Agent, task *models.Task, binds bindings) error {
	e.injectRoutineContext(agent, task, binds)

	prompt := buildTaskPrompt(task, binds)

	maxIter := defaultTaskMaxIterations
	if task.Execution != nil && task.Execution.MaxIterations > 0 {
		maxIter = task.Execution.MaxIterations
	}
	hookID := agent.Hooks().Register(agentcore.HookPauseCheck, func(ctx context.Context, ev agentcore.HookEvent) (agentcore.HookDirective, error) {
		iter, _ := ev.Data["iteration"].(int)
		if iter > maxIter {
			return agentcore.HookDirective{Cancel: fmt.Sprintf("task %q exceeded maxIterations=%d", task.ID, maxIter)}, nil
		}
		return agentcore.HookDirective{}, nil
	}, agentcore.HookPriorityNormal)
	defer agent.Hooks().Unregister(hookID)
	defer agent.ContextManager().ClearConversation()

	result, err := agent.Run(ctx, prompt)
	if err != nil {
		return err
	}

	if shouldValidate(task.Validation) {
		ok, score, verr := validate(ctx, agent, task.Validation, result.OutputText)
		task.Result = &models.TaskResult{OutputText: result.OutputText, ValidationScore: score}
		if verr != nil {
			return verr
		}
		if !ok {
			return fmt.Errorf("validation incomplete for task %q: score %d below threshold", task.ID, score)
		}
		return nil
	}

	task.Result = &models.TaskResult{OutputText: result.OutputText}
	return nil
}

// injectRoutineContext writes the plan overview and each completed
// dependency's result into memory: small results go to in-context memory
// with high priority, larger ones to working memory under tier findings,
// with a summary note recording where each landed. Ground: spec.md §4.6
// step 2.
func (e *Executor) injectRoutineContext(agent *agentcore.Agent, task *models.Task, binds bindings) {
	plugin, _ := agent.ContextManager().Plugins().Get("in_context_memory").(*ctxplugin.InContextMemoryPlugin)

	if plugin != nil {
		plugin.Set("routine.goal", e.plan.Goal)
		plugin.Set("routine.progress", fmt.Sprintf("%.0f%%", e.plan.Progress()*100))
	}

	var summary []string
	for _, depID := range task.DependsOn {
		dep := e.plan.TaskByID(depID)
		if dep == nil || dep.Result == nil {
			continue
		}
		text := dep.Result.OutputText
		estimated := tokens.EstimateTokens(text)
		if estimated < smallResultTokenLimit {
			if plugin != nil {
				plugin.Set("dep."+dep.Name, text)
			}
			summary = append(summary, fmt.Sprintf("%s -> in-context memory (dep.%s)", dep.Name, dep.Name))
		} else if e.cfg.Memory != nil {
			key := "findings." + dep.ID
			_ = e.cfg.Memory.Set(key, "result of dependency "+dep.Name, text, workingmemory.WithTier(models.TierFindings))
			summary = append(summary, fmt.Sprintf("%s -> working memory (%s)", dep.Name, key))
		}
	}
	if plugin != nil && len(summary) > 0 {
		plugin.Set("routine.dependencies", fmt.Sprintf("%v", summary))
	}
}

func buildTaskPrompt(task *models.Task, binds bindings) string {
	desc := resolve(task.Description, binds)
	expected := resolve(task.ExpectedOutput, binds)
	if expected == "" {
		return desc
	}
	return fmt.Sprintf("%s\n\nExpected output: %s", desc, expected)
}
