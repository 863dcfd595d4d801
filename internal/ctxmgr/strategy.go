package ctxmgr

import (
	"context"
	"fmt"

	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/internal/tokens"
	"github.com/haasonsaas/agentcore/pkg/models"
)

// CompactContext is the narrow view of conversation state a
// CompactionStrategy's Compact call may mutate. Ground: spec.md §4.4's
// "mutates via ctx.removeMessages(indices) and ctx.compactPlugin(name,
// target)" — the interface names those two verbs exactly.
type CompactContext interface {
	Messages() []models.ConversationMessage
	RemoveMessages(indices []int)
	CompactPlugin(name string, target int) int
	Plugins() []ctxplugin.Plugin
}

// ConsolidateContext is the view Consolidate sees: read-only conversation
// access plus the ability to append a summary message.
type ConsolidateContext interface {
	Messages() []models.ConversationMessage
	AppendSummary(text string)
}

// CompactResult is Compact's return value.
type CompactResult struct {
	TokensFreed      int
	MessagesRemoved  int
	PluginsCompacted []string
	Log              []string
}

// ConsolidateResult is Consolidate's return value.
type ConsolidateResult struct {
	Performed     bool
	TokensChanged int
	Actions       []string
}

// CompactionStrategy is the pluggable compaction interface (spec.md
// §4.4). Threshold and RequiredPlugins are declared, not computed, so the
// Context Manager can decide whether a strategy is eligible before
// invoking it.
type CompactionStrategy interface {
	Threshold() float64
	RequiredPlugins() []string

	// Compact is the emergency path called mid-prepare; it must be fast.
	Compact(ctx context.Context, cc CompactContext, targetToFree int) CompactResult

	// Consolidate is the post-cycle path called after a full run()
	// completes; it may perform expensive work (summarization, dedup).
	Consolidate(ctx context.Context, cc ConsolidateContext) ConsolidateResult
}

// LLMSummarizer is the optional history-summarization hook (spec.md §9:
// "history auto-summarization via LLM is optional"). The bundled
// AlgorithmicStrategy never invokes it; a caller-supplied strategy may.
type LLMSummarizer interface {
	Summarize(ctx context.Context, messages []models.ConversationMessage) (string, error)
}

// AlgorithmicStrategy is the bundled default compaction strategy (spec.md
// §4.4's three-step algorithm): compact plugins by descending priority,
// then remove oldest conversation message pairs, never touching the most
// recent N messages. Ground: internal/compaction/compaction.go's
// chunking/oversized-message handling generalizes into the pair-removal
// step below; internal/agent's tool_use/tool_result pairing concept
// (mirrored in pkg/models.ConversationMessage.HasToolUse/HasToolResultFor)
// grounds never orphaning a tool_use from its tool_result.
type AlgorithmicStrategy struct {
	threshold            float64
	preserveRecentCount   int
	pluginPriority        func(ctxplugin.Plugin) int
}

// NewAlgorithmicStrategy constructs the default strategy. threshold is the
// utilization fraction that triggers compaction outside the hard-overflow
// case; preserveRecentCount defaults to 4 (spec.md §4.4 step 3) when <= 0.
func NewAlgorithmicStrategy(threshold float64, preserveRecentCount int, pluginPriority func(ctxplugin.Plugin) int) *AlgorithmicStrategy {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	if preserveRecentCount <= 0 {
		preserveRecentCount = 4
	}
	if pluginPriority == nil {
		pluginPriority = func(p ctxplugin.Plugin) int {
			if p.Name() == "working_memory" {
				return 100
			}
			return 0
		}
	}
	return &AlgorithmicStrategy{threshold: threshold, preserveRecentCount: preserveRecentCount, pluginPriority: pluginPriority}
}

func (s *AlgorithmicStrategy) Threshold() float64       { return s.threshold }
func (s *AlgorithmicStrategy) RequiredPlugins() []string { return nil }

// Compact implements the three-step algorithm. It is deliberately cheap:
// no summarization, pure eviction/removal.
func (s *AlgorithmicStrategy) Compact(_ context.Context, cc CompactContext, targetToFree int) CompactResult {
	result := CompactResult{}

	// Step 1: compact compactable plugins in descending priority.
	registry := pluginRegistryView{plugins: cc.Plugins()}
	for _, p := range registry.compactableByPriority(s.pluginPriority) {
		if result.TokensFreed >= targetToFree {
			break
		}
		remaining := targetToFree - result.TokensFreed
		freed := cc.CompactPlugin(p.Name(), remaining)
		if freed > 0 {
			result.TokensFreed += freed
			result.PluginsCompacted = append(result.PluginsCompacted, p.Name())
			result.Log = append(result.Log, pluginCompactLog(p.Name(), freed))
		}
	}
	if result.TokensFreed >= targetToFree {
		return result
	}

	// Step 2/3: remove oldest conversation message pairs, preserving the
	// most recent preserveRecentCount messages and never orphaning a
	// tool_use from its tool_result.
	messages := cc.Messages()
	removable := len(messages) - s.preserveRecentCount
	if removable <= 0 {
		return result
	}

	var toRemove []int
	freedTokens := 0
	i := 0
	for i < removable && freedTokens < (targetToFree-result.TokensFreed) {
		msg := messages[i]
		if msg.Pinned {
			i++
			continue
		}
		pairEnd := i
		if msg.HasToolUse() {
			// Find the matching tool_result message(s) and remove the
			// whole pair atomically, never orphaning one side.
			ids := msg.ToolUseIDs()
			j := i + 1
			remainingIDs := map[string]bool{}
			for _, id := range ids {
				remainingIDs[id] = true
			}
			for j < len(messages) && len(remainingIDs) > 0 {
				for _, id := range ids {
					if messages[j].HasToolResultFor(id) {
						delete(remainingIDs, id)
					}
				}
				if len(remainingIDs) == 0 {
					break
				}
				j++
			}
			if len(remainingIDs) > 0 || j >= removable {
				// No matching result found, or it falls inside the
				// protected recent window: leave the pair untouched
				// rather than orphan the tool_use.
				i++
				continue
			}
			pairEnd = j
		}
		for k := i; k <= pairEnd; k++ {
			toRemove = append(toRemove, k)
			freedTokens += tokens.EstimateTokens(messages[k].TextContent())
		}
		i = pairEnd + 1
	}

	if len(toRemove) > 0 {
		cc.RemoveMessages(toRemove)
		result.MessagesRemoved = len(toRemove)
		result.TokensFreed += freedTokens
		result.Log = append(result.Log, "removed oldest conversation pairs")
	}
	return result
}

// Consolidate performs no work by default; the algorithmic strategy never
// invokes an LLMSummarizer.
func (s *AlgorithmicStrategy) Consolidate(_ context.Context, _ ConsolidateContext) ConsolidateResult {
	return ConsolidateResult{Performed: false}
}

func pluginCompactLog(name string, freed int) string {
	return fmt.Sprintf("compacted plugin %s: freed %d tokens", name, freed)
}

// pluginRegistryView adapts a plain []ctxplugin.Plugin slice to the
// priority-sort helper ctxplugin.Registry exposes, without requiring
// CompactContext implementations to construct a full Registry.
type pluginRegistryView struct {
	plugins []ctxplugin.Plugin
}

func (v pluginRegistryView) compactableByPriority(priority func(ctxplugin.Plugin) int) []ctxplugin.Plugin {
	var compactable []ctxplugin.Plugin
	for _, p := range v.plugins {
		if p.IsCompactable() {
			compactable = append(compactable, p)
		}
	}
	for i := 1; i < len(compactable); i++ {
		j := i
		for j > 0 && priority(compactable[j-1]) < priority(compactable[j]) {
			compactable[j-1], compactable[j] = compactable[j], compactable[j-1]
			j--
		}
	}
	return compactable
}
