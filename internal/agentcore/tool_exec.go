package agentcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentcore/internal/observability"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// errorOrNil turns a ToolResultPart's Error string back into an error for
// span recording.
func errorOrNil(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

// ToolExecConfig configures tool execution concurrency, timeout, and
// retry behavior. Ground: internal/agent/tool_exec.go's ToolExecConfig,
// generalized from nexus's job-queue tools to the spec's plain Tool
// contract.
type ToolExecConfig struct {
	Concurrency    int
	PerToolTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// DefaultToolExecConfig matches the spec's "hard timeout per tool call
// (config, default disabled)" by defaulting PerToolTimeout to 0
// (disabled); callers opt into a deadline explicitly.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 0,
		MaxAttempts:    1,
	}
}

func sanitizeToolExecConfig(cfg ToolExecConfig) ToolExecConfig {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return cfg
}

// ToolRegistry holds registered tools and compiles each one's JSON Schema
// once at registration time.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]models.Tool
	schema map[string]*jsonschema.Schema
	logger *slog.Logger
}

// NewToolRegistry constructs an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:  make(map[string]models.Tool),
		schema: make(map[string]*jsonschema.Schema),
		logger: logger.With("component", "agentcore.tools"),
	}
}

// Register compiles tool's JSON Schema and adds it to the registry,
// replacing any existing tool of the same name. A schema compile failure
// is returned rather than panicking at call time.
func (r *ToolRegistry) Register(tool models.Tool) error {
	def := tool.Definition()
	compiled, err := compileSchema(def.Function.Name, def.Function.Parameters)
	if err != nil {
		return fmt.Errorf("compiling schema for tool %q: %w", def.Function.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Function.Name] = tool
	r.schema[def.Function.Name] = compiled
	return nil
}

func compileSchema(name string, parameters any) (*jsonschema.Schema, error) {
	if parameters == nil {
		return nil, nil
	}
	data, err := toJSON(parameters)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	resource := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(resource, bytesReader(data)); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (models.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool in no particular order.
func (r *ToolRegistry) List() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Definitions returns every registered tool's ToolDefinition, the shape
// passed to LLMProvider.Generate.
func (r *ToolRegistry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	return out
}

// Validate checks args against name's compiled schema. A tool with no
// declared schema accepts any arguments.
func (r *ToolRegistry) Validate(name string, args []byte) error {
	r.mu.RLock()
	schema := r.schema[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := fromJSON(args, &v); err != nil {
		return models.WrapError(models.ErrorToolArgumentSchema, "tool arguments are not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return models.WrapError(models.ErrorToolArgumentSchema, "tool arguments failed schema validation", err)
	}
	return nil
}

// ToolExecResult is one tool call's outcome alongside its timing.
type ToolExecResult struct {
	Call      models.ToolUsePart
	Result    models.ToolResultPart
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// ToolExecutor runs tool calls with schema validation, a per-call
// timeout, retry, and bounded concurrency. Ground:
// internal/agent/tool_exec.go's ToolExecutor.ExecuteConcurrently,
// generalized from models.ToolCall to models.ToolUsePart/ToolResultPart.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewToolExecutor constructs an executor bound to registry.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		registry: registry,
		config:   sanitizeToolExecConfig(config),
		logger:   logger.With("component", "agentcore.tool_exec"),
	}
}

// SetMetrics wires a Prometheus metrics sink. Optional: nil records nothing.
func (e *ToolExecutor) SetMetrics(m *observability.Metrics) { e.metrics = m }

// SetTracer wires an OpenTelemetry tracer. Optional: nil traces nothing.
func (e *ToolExecutor) SetTracer(t *observability.Tracer) { e.tracer = t }

// ExecuteConcurrently runs every call in calls with bounded concurrency,
// preserving input order in the returned slice.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, calls []models.ToolUsePart, tc models.ToolContext) []ToolExecResult {
	results := make([]ToolExecResult, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolUsePart) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = e.canceledResult(call)
				return
			}
			results[idx] = e.executeOne(ctx, call, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// ExecuteSequentially runs every call in order, one at a time.
func (e *ToolExecutor) ExecuteSequentially(ctx context.Context, calls []models.ToolUsePart, tc models.ToolContext) []ToolExecResult {
	results := make([]ToolExecResult, len(calls))
	for i, call := range calls {
		results[i] = e.executeOne(ctx, call, tc)
	}
	return results
}

func (e *ToolExecutor) canceledResult(call models.ToolUsePart) ToolExecResult {
	return ToolExecResult{
		Call: call,
		Result: models.ToolResultPart{
			ToolUseID: call.ID,
			Error:     "context canceled before execution",
		},
	}
}

func (e *ToolExecutor) executeOne(ctx context.Context, call models.ToolUsePart, tc models.ToolContext) ToolExecResult {
	start := time.Now()
	var result models.ToolResultPart
	var timedOut bool

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
		defer func() { e.tracer.RecordError(span, errorOrNil(result.Error)) }()
	}

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		result, timedOut = e.attempt(ctx, call, tc)
		if result.Error == "" {
			break
		}
		if tool, ok := e.registry.Get(call.Name); ok && !tool.Idempotency().Safe {
			// Repeating a non-idempotent call is not safe; keep the failure.
			break
		}
		if attempt < e.config.MaxAttempts && e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				result = models.ToolResultPart{ToolUseID: call.ID, Error: "tool execution canceled"}
				attempt = e.config.MaxAttempts
			}
		}
	}

	end := time.Now()
	if e.metrics != nil {
		status := "success"
		if result.Error != "" {
			status = "error"
		}
		e.metrics.RecordToolExecution(call.Name, status, end.Sub(start))
	}
	return ToolExecResult{Call: call, Result: result, StartTime: start, EndTime: end, TimedOut: timedOut}
}

func (e *ToolExecutor) attempt(ctx context.Context, call models.ToolUsePart, tc models.ToolContext) (models.ToolResultPart, bool) {
	if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
		return models.ToolResultPart{ToolUseID: call.ID, Error: err.Error()}, false
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return models.ToolResultPart{ToolUseID: call.ID, Error: "tool not found: " + call.Name}, false
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.config.PerToolTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.config.PerToolTimeout)
		defer cancel()
	}
	tc.Context = callCtx

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := tool.Execute(call.Arguments, tc)
		select {
		case done <- outcome{value: value, err: err}:
		default:
		}
	}()

	select {
	case <-callCtx.Done():
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		msg := "tool execution canceled"
		if timedOut {
			msg = fmt.Sprintf("tool execution timed out after %v", e.config.PerToolTimeout)
		}
		return models.ToolResultPart{ToolUseID: call.ID, Error: msg}, timedOut
	case res := <-done:
		if res.err != nil {
			return models.ToolResultPart{ToolUseID: call.ID, Error: res.err.Error()}, false
		}
		content, err := stringifyResult(res.value)
		if err != nil {
			return models.ToolResultPart{ToolUseID: call.ID, Error: err.Error()}, false
		}
		return models.ToolResultPart{ToolUseID: call.ID, Content: content}, false
	}
}
