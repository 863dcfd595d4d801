package routine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentcore/internal/agentcore"
	"github.com/haasonsaas/agentcore/internal/ctxplugin"
	"github.com/haasonsaas/agentcore/pkg/models"
)

const defaultMinCompletionScore = 80
const toolLogArgTruncate = 500

// validationResult is the JSON shape the validator prompt demands back
// from the model, per spec.md §4.6 "Validation".
type validationResult struct {
	IsComplete      bool   `json:"isComplete"`
	CompletionScore int    `json:"completionScore"`
	Explanation     string `json:"explanation"`
}

// shouldValidate reports whether a task opts into the reflection pass:
// it auto-passes unless validation.skipReflection is explicitly false and
// completionCriteria is non-empty.
func shouldValidate(cfg *models.ValidationConfig) bool {
	return cfg != nil && !cfg.SkipReflection && len(cfg.CompletionCriteria) > 0
}

// validate runs the dedicated runDirect validation pass and reports
// whether the task result is considered complete, plus the raw score for
// TaskResult.ValidationScore.
func validate(ctx context.Context, agent *agentcore.Agent, cfg *models.ValidationConfig, responseText string) (bool, int, error) {
	min := cfg.MinCompletionScore
	if min <= 0 {
		min = defaultMinCompletionScore
	}

	prompt := buildValidationPrompt(agent, cfg, responseText)
	raw, err := agent.RunDirect(ctx, prompt, 0.1)
	if err != nil {
		return false, 0, err
	}

	result, err := parseValidationResult(raw)
	if err != nil {
		// Validation parse failure: treated as validation false with
		// completionScore=0, counted against task attempts (spec.md §7).
		return false, 0, models.WrapError(models.ErrorValidationParseFailure, "could not parse validator response", err)
	}

	return result.IsComplete && result.CompletionScore >= min, result.CompletionScore, nil
}

func buildValidationPrompt(agent *agentcore.Agent, cfg *models.ValidationConfig, responseText string) string {
	var b strings.Builder
	b.WriteString("Evaluate whether the following response satisfies the completion criteria.\n\n")
	b.WriteString("Completion criteria:\n")
	for _, c := range cfg.CompletionCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\nResponse:\n")
	b.WriteString(responseText)
	b.WriteString("\n\nIn-context memory snapshot:\n")
	if plugin, _ := agent.ContextManager().Plugins().Get("in_context_memory").(*ctxplugin.InContextMemoryPlugin); plugin != nil {
		b.WriteString(plugin.GetContent())
	}
	b.WriteString("\n\nWorking memory index:\n")
	if mem := agent.Memory(); mem != nil {
		b.WriteString(mem.RenderIndex())
	}
	b.WriteString("\n\nTool call log:\n")
	b.WriteString(formatToolLog(agent.ContextManager().Conversation()))
	b.WriteString("\n\nRespond with JSON only: {\"isComplete\": bool, \"completionScore\": 0-100, \"explanation\": string}.")
	return b.String()
}

// formatToolLog renders every tool_use/tool_result pair in conversation as
// a CALL/RESULT line, truncating arguments to 500 chars per spec.md §4.6.
func formatToolLog(conversation []models.ConversationMessage) string {
	var b strings.Builder
	for _, msg := range conversation {
		for _, p := range msg.Parts {
			switch part := p.(type) {
			case models.ToolUsePart:
				args := string(part.Arguments)
				if len(args) > toolLogArgTruncate {
					args = args[:toolLogArgTruncate] + "...(truncated)"
				}
				fmt.Fprintf(&b, "CALL %s(%s)\n", part.Name, args)
			case models.ToolResultPart:
				content := part.Content
				if len(content) > toolLogArgTruncate {
					content = content[:toolLogArgTruncate] + "...(truncated)"
				}
				if part.Error != "" {
					fmt.Fprintf(&b, "RESULT error=%s\n", part.Error)
				} else {
					fmt.Fprintf(&b, "RESULT %s\n", content)
				}
			}
		}
	}
	if b.Len() == 0 {
		return "(no tool calls)"
	}
	return b.String()
}

func parseValidationResult(raw string) (validationResult, error) {
	var result validationResult
	trimmed := strings.TrimSpace(raw)
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end < 0 || end < start {
		return result, fmt.Errorf("no JSON object found in validator response")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &result); err != nil {
		return result, err
	}
	return result, nil
}
