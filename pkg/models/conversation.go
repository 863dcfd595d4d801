package models

import (
	"encoding/json"
	"time"
)

// Role identifies the speaker of a ConversationMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Part is a tagged union of conversation content. LLM output and tool
// arguments cross the process boundary as JSON; rather than model that as
// an open map[string]any, each concrete shape below implements Part via an
// unexported marker method, per the design note that dynamic JSON must be
// modeled as an explicit tagged variant, never an open record.
type Part interface {
	isPart()
	// Kind identifies the part for JSON (de)serialization dispatch.
	Kind() string
}

// TextPart is plain text content.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) isPart()        {}
func (TextPart) Kind() string   { return "text" }

// ToolUsePart records an assistant-issued tool call. Arguments is the raw
// JSON the model produced, validated against the tool's schema by Agent
// Core before execution — never parsed speculatively here.
type ToolUsePart struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (ToolUsePart) isPart()      {}
func (ToolUsePart) Kind() string { return "tool_use" }

// ToolResultPart carries the outcome of executing a ToolUsePart with the
// matching ID. Error is non-empty when the tool failed; a failed tool
// result does not abort the run by itself (§4.5).
type ToolResultPart struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
}

func (ToolResultPart) isPart()      {}
func (ToolResultPart) Kind() string { return "tool_result" }

// ConversationMessage is one turn in the Agent's conversation history.
// Content may be a single string (the common case) or a list of Parts
// (when the message couples text with tool_use/tool_result markers) so
// that tool-call <-> tool-result pairs stay adjacent during compaction.
type ConversationMessage struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content,omitempty"`
	Parts      []Part    `json:"parts,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Pinned messages are never removed by compaction's pair-removal step
	// (set on the assembled system message and on consolidation summaries;
	// the most recent window is protected separately by the strategy).
	Pinned bool `json:"-"`
}

// HasToolUse reports whether the message contains a ToolUsePart, used by
// the compaction pair-finder to identify the start of a tool_use/tool_result
// pair.
func (m ConversationMessage) HasToolUse() bool {
	for _, p := range m.Parts {
		if _, ok := p.(ToolUsePart); ok {
			return true
		}
	}
	return false
}

// ToolUseIDs returns the IDs of every ToolUsePart in the message.
func (m ConversationMessage) ToolUseIDs() []string {
	var ids []string
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUsePart); ok {
			ids = append(ids, tu.ID)
		}
	}
	return ids
}

// HasToolResultFor reports whether the message contains a ToolResultPart
// answering the given tool_use id.
func (m ConversationMessage) HasToolResultFor(toolUseID string) bool {
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultPart); ok && tr.ToolUseID == toolUseID {
			return true
		}
	}
	if m.Role == RoleTool && m.ToolCallID == toolUseID {
		return true
	}
	return false
}

// TextContent returns the message's plain-text rendering: Content if set,
// else the concatenation of every TextPart.
func (m ConversationMessage) TextContent() string {
	if m.Content != "" {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// NewUserMessage constructs a plain user message.
func NewUserMessage(text string) ConversationMessage {
	return ConversationMessage{Role: RoleUser, Content: text, Timestamp: time.Now()}
}

// NewAssistantMessage constructs an assistant message, optionally carrying
// tool_use parts alongside its text.
func NewAssistantMessage(text string, toolUses ...ToolUsePart) ConversationMessage {
	msg := ConversationMessage{Role: RoleAssistant, Content: text, Timestamp: time.Now()}
	for _, tu := range toolUses {
		msg.Parts = append(msg.Parts, tu)
	}
	return msg
}

// NewToolResultMessage constructs a tool-role message answering toolUseID.
func NewToolResultMessage(toolUseID, content, errMsg string) ConversationMessage {
	return ConversationMessage{
		Role:       RoleTool,
		ToolCallID: toolUseID,
		Content:    content,
		Timestamp:  time.Now(),
		Parts: []Part{ToolResultPart{
			ToolUseID: toolUseID,
			Content:   content,
			Error:     errMsg,
		}},
	}
}
