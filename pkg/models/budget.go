package models

// TokenBudget is computed fresh on every Context Manager prepare() call.
// Recompute is the sole writer of TotalUsed/Available so the invariant
// TotalUsed = SystemMessageTokens + ToolsTokens + ConversationTokens +
// CurrentInputTokens never drifts from hand-maintained arithmetic at call
// sites.
type TokenBudget struct {
	MaxTokens           int `json:"maxTokens"`
	ResponseReserve     int `json:"responseReserve"`
	SystemMessageTokens int `json:"systemMessageTokens"`
	ToolsTokens         int `json:"toolsTokens"`
	ConversationTokens  int `json:"conversationTokens"`
	CurrentInputTokens  int `json:"currentInputTokens"`

	TotalUsed int `json:"totalUsed"`
	Available int `json:"available"`

	Breakdown map[string]int `json:"breakdown"`
}

// Recompute derives TotalUsed, Available, and Breakdown from the four
// subtotal fields.
func (b *TokenBudget) Recompute() {
	b.TotalUsed = b.SystemMessageTokens + b.ToolsTokens + b.ConversationTokens + b.CurrentInputTokens
	b.Available = b.MaxTokens - b.ResponseReserve - b.TotalUsed
	b.Breakdown = map[string]int{
		"system":       b.SystemMessageTokens,
		"tools":        b.ToolsTokens,
		"conversation": b.ConversationTokens,
		"currentInput": b.CurrentInputTokens,
	}
}

// FitsReserve reports whether TotalUsed + ResponseReserve <= MaxTokens,
// the invariant a successful prepare() call must satisfy.
func (b *TokenBudget) FitsReserve() bool {
	return b.TotalUsed+b.ResponseReserve <= b.MaxTokens
}

// Utilization returns TotalUsed as a fraction of MaxTokens-ResponseReserve,
// used by the compaction gate's threshold comparison and the
// budget:warning/budget:critical event thresholds.
func (b *TokenBudget) Utilization() float64 {
	denom := b.MaxTokens - b.ResponseReserve
	if denom <= 0 {
		return 1
	}
	return float64(b.TotalUsed) / float64(denom)
}
