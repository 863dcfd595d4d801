package ctxplugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/internal/workingmemory"
	"github.com/haasonsaas/agentcore/pkg/models"
)

func estimate(s string) int { return tokens.EstimateTokens(s) }

func TestRegistryRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Use(NewUserInfoPlugin(map[string]string{"name": "ada"}, estimate))
	r.Use(NewPersistentInstructionsPlugin("be concise", estimate))

	assert.Equal(t, 2, r.Count())
	names := []string{}
	for _, p := range r.List() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"user_info", "persistent_instructions"}, names)
}

func TestRegistryRecoversPanickingPlugin(t *testing.T) {
	r := NewRegistry(nil)
	r.Use(panickyPlugin{})
	r.Use(NewUserInfoPlugin(map[string]string{"a": "b"}, estimate))

	// Should not panic, and should still collect the second plugin's content.
	content := r.CollectContent()
	assert.Contains(t, content, "User Info")
}

type panickyPlugin struct{ BasePlugin }

func (panickyPlugin) Name() string             { return "panicky" }
func (panickyPlugin) GetInstructions() string   { panic("boom") }
func (panickyPlugin) GetContent() string        { panic("boom") }
func (panickyPlugin) GetContents() any          { return nil }
func (panickyPlugin) GetTokenSize() int         { return 0 }
func (panickyPlugin) GetInstructionsTokenSize() int { return 0 }
func (panickyPlugin) IsCompactable() bool       { return false }
func (panickyPlugin) Compact(int) int           { return 0 }
func (panickyPlugin) GetTools() []models.Tool   { return nil }
func (panickyPlugin) GetState() (json.RawMessage, error) { return nil, nil }
func (panickyPlugin) RestoreState(json.RawMessage) error { return nil }
func (panickyPlugin) Destroy()                  {}

func TestWorkingMemoryPluginRendersIndex(t *testing.T) {
	store := workingmemory.New(workingmemory.DefaultConfig(), nil)
	require.NoError(t, store.Set("k1", "a note", "value"))

	p := NewWorkingMemoryPlugin(store, estimate, nil)
	assert.Contains(t, p.GetContent(), "k1")
	assert.False(t, p.IsCompactable(), "no evictForTokens supplied")
}

func TestTodoPluginRendersCheckboxes(t *testing.T) {
	p := NewTodoPlugin(estimate)
	p.Add("write tests")
	p.Complete(0)
	content := p.GetContent()
	assert.Contains(t, content, "[x] write tests")
}
