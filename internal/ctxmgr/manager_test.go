package ctxmgr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/pkg/models"
)

func newTestManager(t *testing.T, maxTokens int) *Manager {
	t.Helper()
	cfg := Config{MaxContextTokens: maxTokens, ResponseReserve: 100}
	plugins := ctxplugin.NewRegistry(nil)
	strategy := NewAlgorithmicStrategy(0.9, 2, nil)
	return New(cfg, tokens.DefaultEstimator{}, plugins, strategy, nil)
}

func userMsg(text string) models.ConversationMessage {
	return models.ConversationMessage{Role: models.RoleUser, Content: text, Timestamp: time.Unix(0, 0)}
}

func TestPrepareFitsWithinBudget(t *testing.T) {
	m := newTestManager(t, 10_000)
	m.SetSystemPrompt("you are a helpful agent")

	out, err := m.Prepare(context.Background(), userMsg("hello there"))
	require.NoError(t, err)
	assert.True(t, out.Budget.FitsReserve())
	assert.False(t, out.Compacted)
	assert.Equal(t, models.RoleSystem, out.Input[0].Role)
}

func TestPrepareTruncatesOversizedInput(t *testing.T) {
	m := newTestManager(t, 200)

	bigText := ""
	for i := 0; i < 2000; i++ {
		bigText += "x"
	}

	var gotOversized bool
	unsub := m.Bus().Subscribe(Filter{Types: []EventType{EventInputOversized}}, func(e Event) {
		gotOversized = true
	})
	defer unsub()

	out, err := m.Prepare(context.Background(), userMsg(bigText))
	require.NoError(t, err)
	assert.Less(t, len(out.Input[len(out.Input)-1].Content), len(bigText))

	time.Sleep(10 * time.Millisecond)
	assert.True(t, gotOversized, "expected input:oversized event")
}

func TestPrepareTriggersCompactionWhenOverThreshold(t *testing.T) {
	m := newTestManager(t, 400)

	// Seed conversation with enough history to exceed the reserve once the
	// current input is added.
	for i := 0; i < 20; i++ {
		m.AppendMessage(userMsg("this is a reasonably long filler message to consume tokens"))
	}

	out, err := m.Prepare(context.Background(), userMsg("what's next?"))
	require.NoError(t, err)
	assert.True(t, out.Compacted)
	assert.True(t, out.Budget.FitsReserve() || len(out.CompactionLog) > 0)
}

func TestPrepareNeverOrphansToolUsePair(t *testing.T) {
	m := newTestManager(t, 600)

	toolUse := models.ConversationMessage{
		Role:      models.RoleAssistant,
		Parts:     []models.Part{models.ToolUsePart{ID: "call-1", Name: "search", Arguments: json.RawMessage(`{}`)}},
		Timestamp: time.Unix(1, 0),
	}
	toolResult := models.ConversationMessage{
		Role:      models.RoleTool,
		Parts:     []models.Part{models.ToolResultPart{ToolUseID: "call-1", Content: "result"}},
		Timestamp: time.Unix(2, 0),
	}

	m.AppendMessage(toolUse)
	m.AppendMessage(toolResult)
	for i := 0; i < 20; i++ {
		m.AppendMessage(userMsg("padding message to push the pair out of the recent window"))
	}

	_, err := m.Prepare(context.Background(), userMsg("continue"))
	require.NoError(t, err)

	conv := m.Conversation()
	hasUse, hasResult := false, false
	for _, msg := range conv {
		if msg.HasToolUse() {
			hasUse = true
		}
		if msg.HasToolResultFor("call-1") {
			hasResult = true
		}
	}
	assert.Equal(t, hasUse, hasResult, "tool_use and tool_result must be removed together or not at all")
}

func TestPrepareEmitsBudgetEvents(t *testing.T) {
	m := newTestManager(t, 10_000)

	var sawUpdated bool
	unsub := m.Bus().Subscribe(Filter{Types: []EventType{EventBudgetUpdated}}, func(e Event) {
		sawUpdated = true
	})
	defer unsub()

	_, err := m.Prepare(context.Background(), userMsg("hi"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.True(t, sawUpdated)
}

func TestClearConversationEmitsEvent(t *testing.T) {
	m := newTestManager(t, 10_000)
	m.AppendMessage(userMsg("hello"))

	var cleared bool
	unsub := m.Bus().Subscribe(Filter{Types: []EventType{EventConversationClear}}, func(e Event) {
		cleared = true
	})
	defer unsub()

	m.ClearConversation()
	time.Sleep(10 * time.Millisecond)

	assert.True(t, cleared)
	assert.Empty(t, m.Conversation())
}
