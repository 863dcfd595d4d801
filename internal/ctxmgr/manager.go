// Package ctxmgr implements the Context Manager (spec.md §4.4): assembling
// the bounded input list the LLM sees on each call, tracking the token
// budget, and invoking compaction when usage exceeds a strategy threshold.
// Ground: the five-step prepare() pipeline and the event emission list are
// newly authored against the spec (the teacher has no direct analogue of
// an explicit prepare() call — internal/agent/loop.go inlines this logic
// into its stream phase), but the budget-tracking arithmetic and
// compaction triggers are grounded on internal/context/window.go (Window)
// and internal/compaction/compaction.go (chunk/oversize handling).
package ctxmgr

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// Config controls a Manager's token budget and compaction behavior,
// following the teacher's Default*Config/sanitize*Config convention.
type Config struct {
	Model             string  `yaml:"model"`
	MaxContextTokens  int     `yaml:"maxContextTokens"`
	ResponseReserve   int     `yaml:"responseReserve"`
	WarningThreshold  float64 `yaml:"-"` // 0.70, not user-configurable per spec
	CriticalThreshold float64 `yaml:"-"` // 0.90, not user-configurable per spec
}

// DefaultConfig returns responseReserve=4096 per spec.md §6's
// configuration enumeration.
func DefaultConfig() Config {
	return Config{
		ResponseReserve:   4096,
		WarningThreshold:  0.70,
		CriticalThreshold: 0.90,
	}
}

func sanitizeConfig(cfg Config) Config {
	d := DefaultConfig()
	if cfg.ResponseReserve <= 0 {
		cfg.ResponseReserve = d.ResponseReserve
	}
	cfg.WarningThreshold = d.WarningThreshold
	cfg.CriticalThreshold = d.CriticalThreshold
	if cfg.MaxContextTokens <= 0 {
		if w, ok := tokens.ModelWindow(cfg.Model); ok {
			cfg.MaxContextTokens = w
		} else {
			cfg.MaxContextTokens = tokens.DefaultContextWindow
		}
	}
	return cfg
}

// PreparedContext is prepare()'s return value: the bounded ordered input
// list, the budget that produced it, and a record of any compaction that
// ran.
type PreparedContext struct {
	Input         []models.ConversationMessage
	Budget        models.TokenBudget
	Compacted     bool
	CompactionLog []string
}

// Manager owns conversation history, the plugin registry, tool
// definitions, and the token caches, exclusively (spec.md §3 "Ownership").
type Manager struct {
	mu sync.Mutex

	cfg       Config
	estimator tokens.Estimator
	plugins   *ctxplugin.Registry
	bus       *Bus
	strategy  CompactionStrategy
	logger    *slog.Logger

	systemPrompt string
	conversation []models.ConversationMessage
	toolDefs     []models.ToolDefinition

	toolsTokensCache int
	toolsTokensValid bool
}

// New constructs a Manager. A nil estimator defaults to
// tokens.DefaultEstimator{}; a nil strategy defaults to
// NewAlgorithmicStrategy(0.9, 4, nil); a nil logger falls back to
// slog.Default().
func New(cfg Config, estimator tokens.Estimator, plugins *ctxplugin.Registry, strategy CompactionStrategy, logger *slog.Logger) *Manager {
	if estimator == nil {
		estimator = tokens.DefaultEstimator{}
	}
	if plugins == nil {
		plugins = ctxplugin.NewRegistry(logger)
	}
	if strategy == nil {
		strategy = NewAlgorithmicStrategy(0.9, 4, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       sanitizeConfig(cfg),
		estimator: estimator,
		plugins:   plugins,
		bus:       NewBus(logger),
		strategy:  strategy,
		logger:    logger.With("component", "ctxmgr"),
	}
}

// Bus exposes the event bus for subscribers.
func (m *Manager) Bus() *Bus { return m.bus }

// Plugins exposes the plugin registry so callers can Use() plugins before
// the first Prepare call.
func (m *Manager) Plugins() *ctxplugin.Registry { return m.plugins }

// SetSystemPrompt sets the static system prompt prefix.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemPrompt = prompt
}

// SetTools replaces the registered tool set and invalidates the cached
// tools-token count.
func (m *Manager) SetTools(defs []models.ToolDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolDefs = defs
	m.toolsTokensValid = false
}

// AppendMessage appends msg to conversation history and emits
// message:added.
func (m *Manager) AppendMessage(msg models.ConversationMessage) {
	m.mu.Lock()
	m.conversation = append(m.conversation, msg)
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventMessageAdded})
}

// ClearConversation empties conversation history (memory persists) and
// emits conversation:cleared.
func (m *Manager) ClearConversation() {
	m.mu.Lock()
	m.conversation = nil
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventConversationClear})
}

// Conversation returns a snapshot of conversation history.
func (m *Manager) Conversation() []models.ConversationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ConversationMessage, len(m.conversation))
	copy(out, m.conversation)
	return out
}

// Prepare executes the five-step pipeline of spec.md §4.4 and returns the
// bounded input list the LLM should see this turn.
func (m *Manager) Prepare(ctx context.Context, currentInput models.ConversationMessage) (*PreparedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: assemble system message.
	instructions := m.plugins.CollectInstructions()
	content := m.plugins.CollectContent()
	systemMessage := m.systemPrompt
	if instructions != "" {
		systemMessage += "\n" + instructions
	}
	if content != "" {
		systemMessage += "\n" + content
	}

	// Step 2: compute budget.
	budget := models.TokenBudget{
		MaxTokens:           m.cfg.MaxContextTokens,
		ResponseReserve:     m.cfg.ResponseReserve,
		SystemMessageTokens: m.estimator.EstimateTokens(systemMessage),
		ToolsTokens:         m.toolsTokens(),
		ConversationTokens:  m.conversationTokens(),
		CurrentInputTokens:  m.estimator.EstimateTokens(currentInput.TextContent()),
	}
	budget.Recompute()
	m.bus.Publish(Event{Type: EventBudgetUpdated, Utilization: budget.Utilization()})
	if budget.Utilization() > m.cfg.CriticalThreshold {
		m.bus.Publish(Event{Type: EventBudgetCritical, Utilization: budget.Utilization()})
	} else if budget.Utilization() > m.cfg.WarningThreshold {
		m.bus.Publish(Event{Type: EventBudgetWarning, Utilization: budget.Utilization()})
	}

	// Step 3: oversized current input.
	maxInputTokens := budget.MaxTokens - budget.ResponseReserve - budget.SystemMessageTokens - budget.ToolsTokens
	if budget.CurrentInputTokens > maxInputTokens {
		currentInput = truncateMessage(currentInput, maxInputTokens, m.estimator)
		budget.CurrentInputTokens = m.estimator.EstimateTokens(currentInput.TextContent())
		budget.Recompute()
		m.bus.Publish(Event{Type: EventInputOversized})
		if budget.CurrentInputTokens > maxInputTokens {
			return nil, models.NewError(models.ErrorInvalidConfig,
				"current input exceeds available context even after truncation")
		}
	}

	// Step 4: compaction gate.
	compacted := false
	var compactionLog []string
	if !budget.FitsReserve() || budget.Utilization() >= m.strategy.Threshold() {
		targetToFree := (budget.TotalUsed + budget.ResponseReserve) - budget.MaxTokens
		// Free at least enough to drop below the strategy threshold, even
		// when the hard reserve invariant already holds.
		thresholdTokens := int(m.strategy.Threshold() * float64(budget.MaxTokens-budget.ResponseReserve))
		if belowThreshold := budget.TotalUsed - thresholdTokens + 1; targetToFree < belowThreshold {
			targetToFree = belowThreshold
		}
		if targetToFree < 1 {
			targetToFree = 1
		}
		m.bus.Publish(Event{Type: EventCompactionStarting})
		result := m.strategy.Compact(ctx, &managerCompactContext{m: m}, targetToFree)
		compacted = true
		compactionLog = result.Log

		budget.ConversationTokens = m.conversationTokens()
		budget.Recompute()
		m.bus.Publish(Event{Type: EventContextCompacted, TokensFreed: result.TokensFreed, CompactionLog: result.Log})

		if !budget.FitsReserve() {
			m.bus.Publish(Event{Type: EventContextExhausted})
		}
	}

	input := make([]models.ConversationMessage, 0, len(m.conversation)+2)
	if systemMessage != "" {
		input = append(input, models.ConversationMessage{Role: models.RoleSystem, Content: systemMessage, Pinned: true})
	}
	input = append(input, m.conversation...)
	input = append(input, currentInput)

	m.bus.Publish(Event{Type: EventContextPrepared})

	return &PreparedContext{
		Input:         input,
		Budget:        budget,
		Compacted:     compacted,
		CompactionLog: compactionLog,
	}, nil
}

func (m *Manager) toolsTokens() int {
	if m.toolsTokensValid {
		return m.toolsTokensCache
	}
	total := 0
	for _, td := range m.toolDefs {
		total += m.estimator.EstimateDataTokens(td)
	}
	m.toolsTokensCache = total
	m.toolsTokensValid = true
	return total
}

func (m *Manager) conversationTokens() int {
	total := 0
	for _, msg := range m.conversation {
		total += m.estimator.EstimateTokens(msg.TextContent())
	}
	return total
}

func truncateMessage(msg models.ConversationMessage, maxTokens int, estimator tokens.Estimator) models.ConversationMessage {
	if maxTokens <= 0 {
		msg.Content = ""
		return msg
	}
	text := msg.TextContent()
	// Binary-search-free linear shrink: the heuristic is linear in chars,
	// so scale directly then verify.
	maxChars := int(float64(maxTokens) / tokens.TokensPerChar)
	if maxChars < len(text) {
		text = text[:maxChars]
	}
	for estimator.EstimateTokens(text) > maxTokens && len(text) > 0 {
		cut := len(text) / 10
		if cut < 1 {
			cut = 1
		}
		text = text[:len(text)-cut]
	}
	msg.Content = text
	msg.Parts = nil
	return msg
}

// managerCompactContext adapts Manager's private state to the
// CompactContext interface the CompactionStrategy.Compact call receives.
type managerCompactContext struct {
	m *Manager
}

func (c *managerCompactContext) Messages() []models.ConversationMessage {
	out := make([]models.ConversationMessage, len(c.m.conversation))
	copy(out, c.m.conversation)
	return out
}

func (c *managerCompactContext) RemoveMessages(indices []int) {
	remove := make(map[int]bool, len(indices))
	for _, idx := range indices {
		remove[idx] = true
	}
	kept := c.m.conversation[:0:0]
	for i, msg := range c.m.conversation {
		if !remove[i] {
			kept = append(kept, msg)
		}
	}
	c.m.conversation = kept
}

func (c *managerCompactContext) CompactPlugin(name string, target int) int {
	p := c.m.plugins.Get(name)
	if p == nil {
		return 0
	}
	return p.Compact(target)
}

func (c *managerCompactContext) Plugins() []ctxplugin.Plugin {
	return c.m.plugins.List()
}

// Consolidate runs the active strategy's post-cycle Consolidate pass
// (spec.md §4.5 "on exit: run compactionStrategy.consolidate(ctx)").
func (m *Manager) Consolidate(ctx context.Context) ConsolidateResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy.Consolidate(ctx, &managerConsolidateContext{m: m})
}

type managerConsolidateContext struct {
	m *Manager
}

func (c *managerConsolidateContext) Messages() []models.ConversationMessage {
	out := make([]models.ConversationMessage, len(c.m.conversation))
	copy(out, c.m.conversation)
	return out
}

func (c *managerConsolidateContext) AppendSummary(text string) {
	c.m.conversation = append(c.m.conversation, models.ConversationMessage{
		Role:    models.RoleSystem,
		Content: text,
		Pinned:  true,
	})
}
