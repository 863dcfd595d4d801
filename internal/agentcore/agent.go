package agentcore

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentcore/internal/ctxmgr"
	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// Config controls an Agent's loop behavior.
type Config struct {
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	ToolExec      ToolExecConfig
	// Sequential forces one-tool-at-a-time execution even when a response
	// contains multiple tool_use parts. Default false (concurrent).
	Sequential bool
}

// DefaultConfig returns maxIterations=25 per the teacher's AgenticLoop
// default budget, generalized to the spec's run() pseudocode.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 25,
		MaxTokens:     4096,
		Temperature:   0.7,
		ToolExec:      DefaultToolExecConfig(),
	}
}

// RunResult is Run's return value, matching spec.md §4.5's
// {output_text, output_items[], usage}.
type RunResult struct {
	OutputText  string
	OutputItems []models.Part
	Usage       models.Usage
	Iterations  int
}

// Agent drives the provider/tool loop of spec.md §4.5: append user
// message, prepare context, call the provider, execute any tool calls,
// repeat until no tool calls remain or maxIterations is reached. Ground:
// internal/agent/loop.go's AgenticLoop.Run state machine (Init -> Stream
// -> ExecuteTools -> Continue/Complete), generalized from nexus's
// session-store-backed history to the Context Manager's conversation
// ownership.
type Agent struct {
	id       string
	cfg      Config
	ctxmgr   *ctxmgr.Manager
	provider models.LLMProvider
	tools    *ToolRegistry
	executor *ToolExecutor
	hooks    *HookRegistry
	memory   models.WorkingMemory
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger

	cancelled atomic.Bool
	cancelMsg atomic.Value // string
}

// New constructs an Agent wired to manager, provider, and tools. A nil
// hooks registry is allocated automatically. memory may be nil when the
// caller's tools don't need Working Memory access.
func New(id string, cfg Config, manager *ctxmgr.Manager, provider models.LLMProvider, tools *ToolRegistry, hooks *HookRegistry, memory models.WorkingMemory, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = NewHookRegistry(logger)
	}
	if cfg.MaxIterations <= 0 {
		cfg = DefaultConfig()
	}
	manager.SetTools(tools.Definitions())
	return &Agent{
		id:       id,
		cfg:      cfg,
		ctxmgr:   manager,
		provider: provider,
		tools:    tools,
		executor: NewToolExecutor(tools, cfg.ToolExec, logger),
		hooks:    hooks,
		memory:   memory,
		logger:   logger.With("component", "agentcore.agent", "agent_id", id),
	}
}

// ID returns the Agent's identifier.
func (a *Agent) ID() string { return a.id }

// Hooks exposes the hook registry for external registration (used by the
// Routine Executor to install a per-task pause:check hook).
func (a *Agent) Hooks() *HookRegistry { return a.hooks }

// ContextManager exposes the owned Context Manager so callers (the
// Routine Executor) can clear conversation history between task runs
// while preserving memory, per spec.md §4.6 step 7.
func (a *Agent) ContextManager() *ctxmgr.Manager { return a.ctxmgr }

// Memory returns the Working Memory instance this Agent's tools see, or
// nil if none was wired at construction.
func (a *Agent) Memory() models.WorkingMemory { return a.memory }

// SetMetrics wires a Prometheus metrics sink, including the owned
// ToolExecutor's tool-call metrics. Optional: a nil m records nothing.
func (a *Agent) SetMetrics(m *observability.Metrics) {
	a.metrics = m
	a.executor.SetMetrics(m)
}

// SetTracer wires an OpenTelemetry tracer, including the owned
// ToolExecutor's per-call spans. Optional: a nil t traces nothing.
func (a *Agent) SetTracer(t *observability.Tracer) {
	a.tracer = t
	a.executor.SetTracer(t)
}

// Cancel sets the cancellation flag checked before every provider call,
// every tool call, and by the pause:check hook (spec.md §5
// "Cancellation"). It does not interrupt an in-flight tool.
func (a *Agent) Cancel(reason string) {
	a.cancelMsg.Store(reason)
	a.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (a *Agent) Cancelled() (bool, string) {
	if !a.cancelled.Load() {
		return false, ""
	}
	reason, _ := a.cancelMsg.Load().(string)
	return true, reason
}

func (a *Agent) resetCancel() {
	a.cancelled.Store(false)
	a.cancelMsg.Store("")
}

// Run executes the provider/tool loop to completion and returns the
// final assistant output. On exit (success or failure) the active
// compaction strategy's Consolidate pass runs.
func (a *Agent) Run(ctx context.Context, prompt string) (result *RunResult, err error) {
	a.resetCancel()
	defer a.ctxmgr.Consolidate(ctx)

	result = &RunResult{}
	defer func() {
		if a.metrics == nil {
			return
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		a.metrics.RecordAgentRun(status, result.Iterations)
	}()

	if _, err = a.triggerHook(ctx, HookBeforeExecution, "", nil); err != nil {
		return result, err
	}

	a.ctxmgr.AppendMessage(models.ConversationMessage{
		Role:      models.RoleUser,
		Content:   prompt,
		Timestamp: time.Now(),
	})

	pending := models.ConversationMessage{Role: models.RoleUser, Content: prompt, Timestamp: time.Now()}

	for iter := 1; iter <= a.cfg.MaxIterations; iter++ {
		result.Iterations = iter

		if cancelled, reason := a.Cancelled(); cancelled {
			return result, models.NewError(models.ErrorCancelled, "agent cancelled: "+reason)
		}
		pauseEvent := HookEvent{Point: HookPauseCheck, RunID: a.id, Data: map[string]any{"iteration": iter}}
		if directive, err := a.hooks.Trigger(ctx, pauseEvent); err != nil {
			return result, err
		} else if directive.Cancel != "" {
			return result, models.NewError(models.ErrorCancelled, directive.Cancel)
		}

		prepared, err := a.ctxmgr.Prepare(ctx, pending)
		if err != nil {
			return result, err
		}

		if _, err := a.triggerHook(ctx, HookBeforeLLM, "", nil); err != nil {
			return result, err
		}

		llmStart := time.Now()
		genCtx := ctx
		var llmSpan trace.Span
		if a.tracer != nil {
			genCtx, llmSpan = a.tracer.TraceLLMRequest(ctx, a.id)
		}
		resp, err := a.provider.Generate(genCtx, models.GenerateRequest{
			Messages:    prepared.Input,
			Tools:       a.tools.Definitions(),
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		})
		if llmSpan != nil {
			a.tracer.RecordError(llmSpan, err)
			llmSpan.End()
		}
		if a.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			a.metrics.RecordLLMRequest(status, time.Since(llmStart), resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
		if err != nil {
			return result, err
		}

		if _, err := a.triggerHook(ctx, HookAfterLLM, "", nil); err != nil {
			return result, err
		}

		assistantMsg := models.ConversationMessage{
			Role:      models.RoleAssistant,
			Content:   resp.OutputText,
			Parts:     resp.OutputItems,
			Timestamp: time.Now(),
		}
		a.ctxmgr.AppendMessage(assistantMsg)

		result.OutputText = resp.OutputText
		result.OutputItems = resp.OutputItems
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		toolCalls := extractToolUse(resp.OutputItems)
		if len(toolCalls) == 0 {
			break
		}

		toolResults, err := a.runToolCalls(ctx, toolCalls)
		if err != nil {
			return result, err
		}

		resultParts := make([]models.Part, len(toolResults))
		for i, tr := range toolResults {
			resultParts[i] = tr
		}
		a.ctxmgr.AppendMessage(models.ConversationMessage{
			Role:      models.RoleTool,
			Parts:     resultParts,
			Timestamp: time.Now(),
		})

		pending = models.ConversationMessage{Role: models.RoleUser, Timestamp: time.Now()}
	}

	if _, err := a.triggerHook(ctx, HookAfterExecution, "", nil); err != nil {
		return result, err
	}

	return result, nil
}

// RunDirect calls the provider once with a fresh, non-conversation prompt
// (used by the Routine Executor's validation pass) without mutating the
// Agent's conversation history.
func (a *Agent) RunDirect(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := a.provider.Generate(ctx, models.GenerateRequest{
		Messages:    []models.ConversationMessage{{Role: models.RoleUser, Content: prompt, Timestamp: time.Now()}},
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.OutputText, nil
}

// runToolCalls checks before:tool/approve:tool for every call before any
// tool actually executes, per the Permission contract on models.Tool: a
// call denied by approve:tool never reaches executor.Execute*, it only
// produces a synthetic error result. Calls that pass approval are executed
// through the normal (sequential or concurrent) executor path, preserving
// input order in the returned slice.
func (a *Agent) runToolCalls(ctx context.Context, calls []models.ToolUsePart) ([]models.ToolResultPart, error) {
	results := make([]models.ToolResultPart, len(calls))
	approved := make([]models.ToolUsePart, 0, len(calls))
	approvedAt := make([]int, 0, len(calls))

	for i, call := range calls {
		if cancelled, reason := a.Cancelled(); cancelled {
			return nil, models.NewError(models.ErrorCancelled, "agent cancelled: "+reason)
		}
		if _, err := a.triggerHook(ctx, HookBeforeTool, call.Name, call); err != nil {
			return nil, err
		}
		directive, err := a.triggerHook(ctx, HookApproveTool, call.Name, call)
		if err != nil {
			return nil, err
		}
		if directive.DenyReason != "" {
			results[i] = models.ToolResultPart{ToolUseID: call.ID, Error: "denied: " + directive.DenyReason}
			continue
		}
		approved = append(approved, call)
		approvedAt = append(approvedAt, i)
	}

	var execResults []ToolExecResult
	if a.cfg.Sequential {
		execResults = a.executor.ExecuteSequentially(ctx, approved, a.toolContext())
	} else {
		execResults = a.executor.ExecuteConcurrently(ctx, approved, a.toolContext())
	}
	for j, er := range execResults {
		results[approvedAt[j]] = er.Result
	}

	for i, call := range calls {
		if _, err := a.triggerHook(ctx, HookAfterTool, call.Name, results[i]); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (a *Agent) toolContext() models.ToolContext {
	return models.ToolContext{Registry: a.tools, Memory: a.memory}
}

func (a *Agent) triggerHook(ctx context.Context, point HookPoint, toolName string, payload any) (HookDirective, error) {
	return a.hooks.Trigger(ctx, HookEvent{Point: point, RunID: a.id, ToolName: toolName, ToolCall: payload})
}

func extractToolUse(items []models.Part) []models.ToolUsePart {
	var out []models.ToolUsePart
	for _, item := range items {
		if tu, ok := item.(models.ToolUsePart); ok {
			out = append(out, tu)
		}
	}
	return out
}
