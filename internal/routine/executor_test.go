package routine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentcore/internal/agentcore"
	"github.com/haasonsaas/agentcore/internal/ctxmgr"
	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/internal/workingmemory"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// fixedProvider always returns the same text with no tool calls.
type fixedProvider struct{ text string }

func (p *fixedProvider) Generate(ctx context.Context, req models.GenerateRequest) (models.GenerateResponse, error) {
	return models.GenerateResponse{OutputText: p.text}, nil
}
func (p *fixedProvider) Stream(ctx context.Context, req models.GenerateRequest) (<-chan models.StreamEvent, error) {
	out := make(chan models.StreamEvent, 1)
	close(out)
	return out, nil
}

// sequenceProvider returns one fixed response per call, repeating the
// last one once exhausted.
type sequenceProvider struct {
	texts []string
	calls int
}

func (p *sequenceProvider) Generate(ctx context.Context, req models.GenerateRequest) (models.GenerateResponse, error) {
	i := p.calls
	if i >= len(p.texts) {
		i = len(p.texts) - 1
	}
	p.calls++
	return models.GenerateResponse{OutputText: p.texts[i]}, nil
}
func (p *sequenceProvider) Stream(ctx context.Context, req models.GenerateRequest) (<-chan models.StreamEvent, error) {
	out := make(chan models.StreamEvent, 1)
	close(out)
	return out, nil
}

// capturingProvider records the prompt text of every message it receives,
// so a test can assert on what the executor actually sent the model.
type capturingProvider struct {
	prompts []string
}

func (p *capturingProvider) Generate(ctx context.Context, req models.GenerateRequest) (models.GenerateResponse, error) {
	for _, m := range req.Messages {
		if m.Content != "" {
			p.prompts = append(p.prompts, m.Content)
		}
	}
	return models.GenerateResponse{OutputText: "ok"}, nil
}
func (p *capturingProvider) Stream(ctx context.Context, req models.GenerateRequest) (<-chan models.StreamEvent, error) {
	out := make(chan models.StreamEvent, 1)
	close(out)
	return out, nil
}

func newTestAgentFactory(t *testing.T, provider models.LLMProvider, memory models.WorkingMemory) func() *agentcore.Agent {
	t.Helper()
	n := 0
	return func() *agentcore.Agent {
		n++
		plugins := ctxplugin.NewRegistry(nil)
		plugins.Use(ctxplugin.NewInContextMemoryPlugin(tokens.EstimateTokens))
		manager := ctxmgr.New(ctxmgr.Config{MaxContextTokens: 20_000, ResponseReserve: 500}, tokens.DefaultEstimator{}, plugins, nil, nil)
		tools := agentcore.NewToolRegistry(nil)
		return agentcore.New("test-agent", agentcore.DefaultConfig(), manager, provider, tools, nil, memory, nil)
	}
}

func TestLinearThreeTaskRoutineCompletesInOrder(t *testing.T) {
	a := models.NewTask("a", "A")
	b := models.NewTask("b", "B")
	b.DependsOn = []string{"a"}
	c := models.NewTask("c", "C")
	c.DependsOn = []string{"b"}

	plan, err := NewPlan("p1", "linear routine", []*models.Task{a, b, c}, models.DefaultConcurrency())
	require.NoError(t, err)

	memory := workingmemory.New(workingmemory.DefaultConfig(), nil)
	exec := NewExecutor(plan, Config{
		Memory:       memory,
		AgentFactory: newTestAgentFactory(t, &fixedProvider{text: "ok"}, memory),
	})

	err = exec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.PlanCompleted, plan.Status)
	assert.Equal(t, 1.0, plan.Progress())
	assert.Equal(t, models.TaskCompleted, a.Status)
	assert.Equal(t, models.TaskCompleted, b.Status)
	assert.Equal(t, models.TaskCompleted, c.Status)
	assert.True(t, a.CompletedAt.Before(*b.StartedAt) || a.CompletedAt.Equal(*b.StartedAt))
}

func TestDependencyCycleRejected(t *testing.T) {
	x := models.NewTask("x", "X")
	x.DependsOn = []string{"y"}
	y := models.NewTask("y", "Y")
	y.DependsOn = []string{"x"}

	_, err := NewPlan("p2", "cyclic", []*models.Task{x, y}, models.DefaultConcurrency())
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorDependencyCycle, kind)
}

func TestValidationRetryThenFail(t *testing.T) {
	task := models.NewTask("t1", "Answer")
	task.MaxAttempts = 2
	task.Validation = &models.ValidationConfig{
		CompletionCriteria: []string{"contains the number 42"},
		MinCompletionScore: 80,
	}

	plan, err := NewPlan("p3", "validated", []*models.Task{task}, models.DefaultConcurrency())
	require.NoError(t, err)

	// The worker provider alternates between the task's own answer (never
	// containing 42) and the validator's JSON verdict (always incomplete).
	provider := &sequenceProvider{texts: []string{
		"the answer is unclear",
		`{"isComplete": false, "completionScore": 10, "explanation": "missing 42"}`,
		"still no number here",
		`{"isComplete": false, "completionScore": 20, "explanation": "missing 42"}`,
	}}

	memory := workingmemory.New(workingmemory.DefaultConfig(), nil)
	exec := NewExecutor(plan, Config{
		Memory:       memory,
		AgentFactory: newTestAgentFactory(t, provider, memory),
	})

	err = exec.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Less(t, task.Result.ValidationScore, 80)
}

func TestExternalWebhookWaitResumesOnTrigger(t *testing.T) {
	task := models.NewTask("w1", "Wait for webhook")
	task.ExternalDependency = &models.ExternalDependency{
		Type:      models.ExternalWaitWebhook,
		WebhookID: "w1",
		TimeoutMs: 60_000,
	}

	plan, err := NewPlan("p4", "webhook wait", []*models.Task{task}, models.DefaultConcurrency())
	require.NoError(t, err)

	memory := workingmemory.New(workingmemory.DefaultConfig(), nil)
	exec := NewExecutor(plan, Config{
		Memory:       memory,
		AgentFactory: newTestAgentFactory(t, &fixedProvider{text: "done"}, memory),
	})

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return task.Status == models.TaskWaitingExternal
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, exec.TriggerExternal("w1", map[string]any{"ok": true}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not resume after webhook trigger")
	}

	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.NotNil(t, task.ExternalDependency.ReceivedAt)
}

func TestUpdatePlanAcceptsEmptyDiffAsNoOp(t *testing.T) {
	a := models.NewTask("a", "A")
	plan, err := NewPlan("p5", "dynamic", []*models.Task{a}, models.DefaultConcurrency())
	require.NoError(t, err)
	plan.AllowDynamicTasks = true

	err = UpdatePlan(plan, PlanUpdate{})
	require.NoError(t, err)
	assert.Len(t, plan.Tasks, 1)
}

func TestPlanParamsResolvePlaceholdersInTaskPrompt(t *testing.T) {
	task := models.NewTask("greet", "Greet")
	task.Description = "say hello to {{param.username}}"

	plan, err := NewPlan("p7", "greet a user", []*models.Task{task}, models.DefaultConcurrency())
	require.NoError(t, err)
	plan.Params = map[string]any{"username": "ada"}

	memory := workingmemory.New(workingmemory.DefaultConfig(), nil)
	provider := &capturingProvider{}
	exec := NewExecutor(plan, Config{
		Memory:       memory,
		AgentFactory: newTestAgentFactory(t, provider, memory),
	})

	err = exec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)

	found := false
	for _, p := range provider.prompts {
		if strings.Contains(p, "say hello to ada") {
			found = true
			break
		}
	}
	assert.True(t, found, "expected a resolved prompt containing the param value, got: %v", provider.prompts)
}

func TestUpdatePlanRejectsRemovingInProgressTaskWithoutOverride(t *testing.T) {
	a := models.NewTask("a", "A")
	a.Transition(models.TaskInProgress)
	plan, err := NewPlan("p6", "dynamic", []*models.Task{a}, models.DefaultConcurrency())
	require.NoError(t, err)
	plan.AllowDynamicTasks = true

	err = UpdatePlan(plan, PlanUpdate{RemoveTasks: []string{"a"}})
	require.Error(t, err)
}
