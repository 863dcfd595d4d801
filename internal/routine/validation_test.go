package routine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haasonsaas/agentcore/internal/agentcore"
	"github.com/haasonsaas/agentcore/internal/ctxmgr"
	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/internal/workingmemory"
	"github.com/haasonsaas/agentcore/pkg/models"
)

func TestBuildValidationPromptIncludesInContextMemorySnapshot(t *testing.T) {
	plugins := ctxplugin.NewRegistry(nil)
	memPlugin := ctxplugin.NewInContextMemoryPlugin(tokens.EstimateTokens)
	plugins.Use(memPlugin)
	manager := ctxmgr.New(ctxmgr.Config{MaxContextTokens: 20_000, ResponseReserve: 500}, tokens.DefaultEstimator{}, plugins, nil, nil)
	memory := workingmemory.New(workingmemory.DefaultConfig(), nil)
	tools := agentcore.NewToolRegistry(nil)
	agent := agentcore.New("validator", agentcore.DefaultConfig(), manager, &fixedProvider{text: "ok"}, tools, nil, memory, nil)

	memPlugin.Set("routine.goal", "summarize then notify")
	memPlugin.Set("dep.fetch", "the fetched document text")

	cfg := &models.ValidationConfig{CompletionCriteria: []string{"mentions the key finding"}}
	prompt := buildValidationPrompt(agent, cfg, "here is the summary")

	assert.Contains(t, prompt, "In-context memory snapshot:")
	assert.Contains(t, prompt, "routine.goal")
	assert.Contains(t, prompt, "summarize then notify")
	assert.Contains(t, prompt, "dep.fetch")
	assert.Contains(t, prompt, "Working memory index:")
	assert.Contains(t, prompt, "Tool call log:")
}
