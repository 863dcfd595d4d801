package agentcore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentcore/internal/ctxmgr"
	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// echoTool is a minimal test tool that echoes its "text" argument.
type echoTool struct{ calls int }

func (t *echoTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Type: "function",
		Function: models.ToolFunctionSchema{
			Name:        "echo",
			Description: "echoes the given text",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"text": map[string]any{"type": "string"}},
				"required":             []string{"text"},
				"additionalProperties": false,
			},
		},
	}
}

func (t *echoTool) Execute(args []byte, tc models.ToolContext) (any, error) {
	t.calls++
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return in.Text, nil
}

func (t *echoTool) Idempotency() models.Idempotency   { return models.Idempotency{Safe: true} }
func (t *echoTool) OutputHint() models.OutputSizeHint { return models.OutputSmall }
func (t *echoTool) Permission() models.Permission {
	return models.Permission{Scope: models.PermissionSession, RiskLevel: models.RiskLow}
}
func (t *echoTool) DescribeCall(args []byte) string { return "echo(" + string(args) + ")" }

// scriptedProvider replays a fixed sequence of responses, one per Generate
// call, so tests can drive the loop's iteration count precisely.
type scriptedProvider struct {
	responses []models.GenerateResponse
	calls     int
}

func (p *scriptedProvider) Generate(ctx context.Context, req models.GenerateRequest) (models.GenerateResponse, error) {
	if p.calls >= len(p.responses) {
		return models.GenerateResponse{OutputText: "done"}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req models.GenerateRequest) (<-chan models.StreamEvent, error) {
	out := make(chan models.StreamEvent, 8)
	go func() {
		defer close(out)
		resp, _ := p.Generate(ctx, req)
		out <- models.StreamEvent{Type: models.StreamOutputTextDelta, TextDelta: resp.OutputText}
		out <- models.StreamEvent{Type: models.StreamResponseComplete, Response: &resp}
	}()
	return out, nil
}

func newTestAgent(t *testing.T, provider models.LLMProvider) (*Agent, *ToolRegistry) {
	t.Helper()
	plugins := ctxplugin.NewRegistry(nil)
	manager := ctxmgr.New(ctxmgr.Config{MaxContextTokens: 20_000, ResponseReserve: 500}, tokens.DefaultEstimator{}, plugins, nil, nil)

	tools := NewToolRegistry(nil)
	require.NoError(t, tools.Register(&echoTool{}))

	agent := New("agent-1", DefaultConfig(), manager, provider, tools, nil, nil, nil)
	return agent, tools
}

func TestRunWithoutToolCallsCompletesOneIteration(t *testing.T) {
	provider := &scriptedProvider{responses: []models.GenerateResponse{
		{OutputText: "hello back"},
	}}
	agent, _ := newTestAgent(t, provider)

	result, err := agent.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello back", result.OutputText)
	assert.Equal(t, 1, result.Iterations)
}

func TestRunExecutesToolCallThenCompletes(t *testing.T) {
	provider := &scriptedProvider{responses: []models.GenerateResponse{
		{OutputItems: []models.Part{models.ToolUsePart{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}}},
		{OutputText: "final answer"},
	}}
	agent, tools := newTestAgent(t, provider)

	result, err := agent.Run(context.Background(), "please echo hi")
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.OutputText)
	assert.Equal(t, 2, result.Iterations)

	tool, _ := tools.Get("echo")
	assert.Equal(t, 1, tool.(*echoTool).calls)
}

func TestRunRespectsMaxIterations(t *testing.T) {
	provider := &scriptedProvider{}
	// Every response requests another tool call, so the loop would run
	// forever without the maxIterations cap.
	for i := 0; i < 100; i++ {
		provider.responses = append(provider.responses, models.GenerateResponse{
			OutputItems: []models.Part{models.ToolUsePart{ID: "call-x", Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)}},
		})
	}
	agent, _ := newTestAgent(t, provider)
	agent.cfg.MaxIterations = 3

	result, err := agent.Run(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Iterations)
}

func TestRunSurfacesToolArgumentSchemaErrorAsResult(t *testing.T) {
	provider := &scriptedProvider{responses: []models.GenerateResponse{
		{OutputItems: []models.Part{models.ToolUsePart{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"wrong":1}`)}}},
		{OutputText: "recovered"},
	}}
	agent, _ := newTestAgent(t, provider)

	result, err := agent.Run(context.Background(), "bad args")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.OutputText)

	conv := agent.ctxmgr.Conversation()
	found := false
	for _, msg := range conv {
		for _, p := range msg.Parts {
			if tr, ok := p.(models.ToolResultPart); ok && tr.Error != "" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected a tool_result with a schema validation error")
}

func TestCancelStopsRunBeforeNextIteration(t *testing.T) {
	provider := &scriptedProvider{}
	for i := 0; i < 5; i++ {
		provider.responses = append(provider.responses, models.GenerateResponse{
			OutputItems: []models.Part{models.ToolUsePart{ID: "call-x", Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)}},
		})
	}
	agent, _ := newTestAgent(t, provider)

	agent.hooks.Register(HookPauseCheck, func(ctx context.Context, e HookEvent) (HookDirective, error) {
		if provider.calls >= 2 {
			return HookDirective{Cancel: "enough"}, nil
		}
		return HookDirective{}, nil
	}, HookPriorityNormal)

	_, err := agent.Run(context.Background(), "go")
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorCancelled, kind)
}

func TestStreamEmitsStrictSequence(t *testing.T) {
	provider := &scriptedProvider{responses: []models.GenerateResponse{
		{OutputText: "streamed response"},
	}}
	agent, _ := newTestAgent(t, provider)

	events, err := agent.Stream(context.Background(), "hi")
	require.NoError(t, err)

	var seen []models.StreamEventType
	var lastSeq uint64
	for evt := range events {
		seen = append(seen, evt.Type)
		assert.Greater(t, evt.Seq, lastSeq, "sequence numbers must strictly increase")
		lastSeq = evt.Seq
	}

	require.NotEmpty(t, seen)
	assert.Equal(t, models.StreamResponseCreated, seen[0])
	assert.Equal(t, models.StreamResponseComplete, seen[len(seen)-1])
}

func TestStreamConverterClearResetsSequence(t *testing.T) {
	c := newStreamConverter()
	out := make(chan models.StreamEvent, 4)
	c.emit(out, models.StreamEvent{Type: models.StreamResponseCreated})
	c.emit(out, models.StreamEvent{Type: models.StreamOutputTextDelta})
	c.Clear()
	c.emit(out, models.StreamEvent{Type: models.StreamResponseCreated})
	close(out)

	var last models.StreamEvent
	for evt := range out {
		last = evt
	}
	assert.Equal(t, uint64(1), last.Seq)
}

func TestToolRegistryValidateRejectsMissingRequiredField(t *testing.T) {
	tools := NewToolRegistry(nil)
	require.NoError(t, tools.Register(&echoTool{}))

	err := tools.Validate("echo", []byte(`{}`))
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorToolArgumentSchema, kind)
}

func TestHookRegistryRecoversPanickingHandler(t *testing.T) {
	hooks := NewHookRegistry(nil)
	hooks.Register(HookBeforeTool, func(ctx context.Context, e HookEvent) (HookDirective, error) {
		panic("boom")
	}, HookPriorityNormal)

	directive, err := hooks.Trigger(context.Background(), HookEvent{Point: HookBeforeTool})
	require.NoError(t, err)
	assert.False(t, directive.ShouldPause)
}

func TestHookRegistryDispatchesInPriorityOrder(t *testing.T) {
	hooks := NewHookRegistry(nil)
	var order []string
	hooks.Register(HookBeforeLLM, func(ctx context.Context, e HookEvent) (HookDirective, error) {
		order = append(order, "low")
		return HookDirective{}, nil
	}, HookPriorityLow)
	hooks.Register(HookBeforeLLM, func(ctx context.Context, e HookEvent) (HookDirective, error) {
		order = append(order, "high")
		return HookDirective{}, nil
	}, HookPriorityHigh)

	_, err := hooks.Trigger(context.Background(), HookEvent{Point: HookBeforeLLM})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestToolExecutorRespectsPerToolTimeout(t *testing.T) {
	registry := NewToolRegistry(nil)
	require.NoError(t, registry.Register(&slowTool{}))
	exec := NewToolExecutor(registry, ToolExecConfig{Concurrency: 1, PerToolTimeout: 10 * time.Millisecond, MaxAttempts: 1}, nil)

	results := exec.ExecuteSequentially(context.Background(), []models.ToolUsePart{
		{ID: "c1", Name: "slow", Arguments: json.RawMessage(`{}`)},
	}, models.ToolContext{Registry: registry})

	require.Len(t, results, 1)
	assert.True(t, results[0].TimedOut)
	assert.NotEmpty(t, results[0].Result.Error)
}

func TestRunToolCallsSkipsExecuteWhenApprovalDenied(t *testing.T) {
	provider := &scriptedProvider{responses: []models.GenerateResponse{
		{OutputItems: []models.Part{models.ToolUsePart{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}}},
		{OutputText: "final"},
	}}
	agent, tools := newTestAgent(t, provider)
	agent.hooks.Register(HookApproveTool, func(ctx context.Context, e HookEvent) (HookDirective, error) {
		return HookDirective{DenyReason: "not allowed in this test"}, nil
	}, HookPriorityNormal)

	result, err := agent.Run(context.Background(), "please echo hi")
	require.NoError(t, err)
	assert.Equal(t, "final", result.OutputText)

	tool, _ := tools.Get("echo")
	assert.Equal(t, 0, tool.(*echoTool).calls, "a denied tool call must never reach Execute")

	conv := agent.ctxmgr.Conversation()
	found := false
	for _, msg := range conv {
		for _, p := range msg.Parts {
			if tr, ok := p.(models.ToolResultPart); ok {
				assert.Contains(t, tr.Error, "denied: not allowed in this test")
				found = true
			}
		}
	}
	assert.True(t, found, "expected a tool_result carrying the deny reason")
}

type slowTool struct{}

func (slowTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{Type: "function", Function: models.ToolFunctionSchema{Name: "slow", Description: "sleeps"}}
}
func (slowTool) Execute(args []byte, tc models.ToolContext) (any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return "done", nil
	case <-tc.Context.Done():
		return nil, tc.Context.Err()
	}
}
func (slowTool) Idempotency() models.Idempotency   { return models.Idempotency{Safe: false} }
func (slowTool) OutputHint() models.OutputSizeHint { return models.OutputSmall }
func (slowTool) Permission() models.Permission {
	return models.Permission{Scope: models.PermissionOnce, RiskLevel: models.RiskLow}
}
func (slowTool) DescribeCall(args []byte) string { return "slow()" }
