package ctxplugin

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// WorkingMemoryPlugin renders the Working Memory index into the system
// message and is compactable via eviction against a target: compaction
// asks the underlying store to drop its lowest-priority entries.
type WorkingMemoryPlugin struct {
	BasePlugin
	memory models.WorkingMemory
	// evictForTokens evicts entries whose total estimated size is close
	// to targetTokens and returns the tokens actually freed. Supplied by
	// the caller since models.WorkingMemory has no eviction-by-token-target
	// method (eviction there is byte-budget driven, not token driven).
	evictForTokens func(targetTokens int) int
}

// NewWorkingMemoryPlugin constructs the plugin. evictForTokens may be nil,
// in which case Compact is a no-op returning 0 (plugin still renders the
// index; it just declares itself non-compactable in that case via
// IsCompactable).
func NewWorkingMemoryPlugin(memory models.WorkingMemory, estimate func(string) int, evictForTokens func(int) int) *WorkingMemoryPlugin {
	return &WorkingMemoryPlugin{
		BasePlugin:     NewBasePlugin(estimate),
		memory:         memory,
		evictForTokens: evictForTokens,
	}
}

func (p *WorkingMemoryPlugin) Name() string { return "working_memory" }

func (p *WorkingMemoryPlugin) GetInstructions() string { return "" }

func (p *WorkingMemoryPlugin) GetContent() string {
	idx := p.memory.RenderIndex()
	if idx == "" {
		return ""
	}
	return "## Working Memory\n" + idx
}

func (p *WorkingMemoryPlugin) GetContents() any { return p.memory.List() }

func (p *WorkingMemoryPlugin) GetTokenSize() int {
	return p.CachedTokenSize(p.GetContent)
}

func (p *WorkingMemoryPlugin) GetInstructionsTokenSize() int { return 0 }

func (p *WorkingMemoryPlugin) IsCompactable() bool { return p.evictForTokens != nil }

func (p *WorkingMemoryPlugin) Compact(targetTokensToFree int) int {
	if p.evictForTokens == nil {
		return 0
	}
	freed := p.evictForTokens(targetTokensToFree)
	p.Invalidate()
	return freed
}

func (p *WorkingMemoryPlugin) GetTools() []models.Tool { return nil }

func (p *WorkingMemoryPlugin) GetState() (json.RawMessage, error) {
	return json.Marshal(p.memory.List())
}

func (p *WorkingMemoryPlugin) RestoreState(data json.RawMessage) error {
	var entries []models.MemoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		if err := p.memory.Set(e.Key, e.Description, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *WorkingMemoryPlugin) Destroy() {}

// InContextMemoryPlugin is a small pinned key/value store rendered
// directly into the system message and never compacted by default.
type InContextMemoryPlugin struct {
	BasePlugin
	mu      sync.RWMutex
	entries map[string]string
}

func NewInContextMemoryPlugin(estimate func(string) int) *InContextMemoryPlugin {
	return &InContextMemoryPlugin{
		BasePlugin: NewBasePlugin(estimate),
		entries:    make(map[string]string),
	}
}

func (p *InContextMemoryPlugin) Name() string { return "in_context_memory" }

// Set stores a small note under key, visible in every future prepare()
// call until removed.
func (p *InContextMemoryPlugin) Set(key, value string) {
	p.mu.Lock()
	p.entries[key] = value
	p.mu.Unlock()
	p.Invalidate()
}

func (p *InContextMemoryPlugin) Delete(key string) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
	p.Invalidate()
}

func (p *InContextMemoryPlugin) GetInstructions() string { return "" }

func (p *InContextMemoryPlugin) GetContent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.entries) == 0 {
		return ""
	}
	out := "## In-Context Memory\n"
	for k, v := range p.entries {
		out += fmt.Sprintf("- %s: %s\n", k, v)
	}
	return out
}

func (p *InContextMemoryPlugin) GetContents() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	copyMap := make(map[string]string, len(p.entries))
	for k, v := range p.entries {
		copyMap[k] = v
	}
	return copyMap
}

func (p *InContextMemoryPlugin) GetTokenSize() int {
	return p.CachedTokenSize(p.GetContent)
}
func (p *InContextMemoryPlugin) GetInstructionsTokenSize() int { return 0 }
func (p *InContextMemoryPlugin) IsCompactable() bool           { return false }
func (p *InContextMemoryPlugin) Compact(int) int               { return 0 }
func (p *InContextMemoryPlugin) GetTools() []models.Tool       { return nil }

func (p *InContextMemoryPlugin) GetState() (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(p.entries)
}

func (p *InContextMemoryPlugin) RestoreState(data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Unmarshal(data, &p.entries)
}

func (p *InContextMemoryPlugin) Destroy() {}

// PersistentInstructionsPlugin contributes static, user-scoped
// instructions text. It never contributes content and is never
// compactable.
type PersistentInstructionsPlugin struct {
	BasePlugin
	text string
}

func NewPersistentInstructionsPlugin(text string, estimate func(string) int) *PersistentInstructionsPlugin {
	return &PersistentInstructionsPlugin{BasePlugin: NewBasePlugin(estimate), text: text}
}

func (p *PersistentInstructionsPlugin) Name() string             { return "persistent_instructions" }
func (p *PersistentInstructionsPlugin) GetInstructions() string  { return p.text }
func (p *PersistentInstructionsPlugin) GetContent() string       { return "" }
func (p *PersistentInstructionsPlugin) GetContents() any         { return p.text }
func (p *PersistentInstructionsPlugin) GetTokenSize() int        { return 0 }
func (p *PersistentInstructionsPlugin) GetInstructionsTokenSize() int {
	return p.CachedInstructionsTokenSize(func() string { return p.text })
}
func (p *PersistentInstructionsPlugin) IsCompactable() bool     { return false }
func (p *PersistentInstructionsPlugin) Compact(int) int         { return 0 }
func (p *PersistentInstructionsPlugin) GetTools() []models.Tool { return nil }
func (p *PersistentInstructionsPlugin) GetState() (json.RawMessage, error) {
	return json.Marshal(p.text)
}
func (p *PersistentInstructionsPlugin) RestoreState(data json.RawMessage) error {
	return json.Unmarshal(data, &p.text)
}
func (p *PersistentInstructionsPlugin) Destroy() {}

// UserInfoPlugin renders a fixed user-profile block, never compacted.
type UserInfoPlugin struct {
	BasePlugin
	info map[string]string
}

func NewUserInfoPlugin(info map[string]string, estimate func(string) int) *UserInfoPlugin {
	return &UserInfoPlugin{BasePlugin: NewBasePlugin(estimate), info: info}
}

func (p *UserInfoPlugin) Name() string            { return "user_info" }
func (p *UserInfoPlugin) GetInstructions() string { return "" }

func (p *UserInfoPlugin) GetContent() string {
	if len(p.info) == 0 {
		return ""
	}
	out := "## User Info\n"
	for k, v := range p.info {
		out += fmt.Sprintf("- %s: %s\n", k, v)
	}
	return out
}

func (p *UserInfoPlugin) GetContents() any                  { return p.info }
func (p *UserInfoPlugin) GetTokenSize() int                 { return p.CachedTokenSize(p.GetContent) }
func (p *UserInfoPlugin) GetInstructionsTokenSize() int     { return 0 }
func (p *UserInfoPlugin) IsCompactable() bool               { return false }
func (p *UserInfoPlugin) Compact(int) int                   { return 0 }
func (p *UserInfoPlugin) GetTools() []models.Tool           { return nil }
func (p *UserInfoPlugin) GetState() (json.RawMessage, error) { return json.Marshal(p.info) }
func (p *UserInfoPlugin) RestoreState(data json.RawMessage) error {
	return json.Unmarshal(data, &p.info)
}
func (p *UserInfoPlugin) Destroy() {}

// TodoItem is one entry in a TodoPlugin list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TodoPlugin renders a running task list into the system message, never
// compacted.
type TodoPlugin struct {
	BasePlugin
	mu    sync.RWMutex
	items []TodoItem
}

func NewTodoPlugin(estimate func(string) int) *TodoPlugin {
	return &TodoPlugin{BasePlugin: NewBasePlugin(estimate)}
}

func (p *TodoPlugin) Add(text string) {
	p.mu.Lock()
	p.items = append(p.items, TodoItem{Text: text})
	p.mu.Unlock()
	p.Invalidate()
}

func (p *TodoPlugin) Complete(index int) {
	p.mu.Lock()
	if index >= 0 && index < len(p.items) {
		p.items[index].Done = true
	}
	p.mu.Unlock()
	p.Invalidate()
}

func (p *TodoPlugin) Name() string            { return "todo" }
func (p *TodoPlugin) GetInstructions() string { return "" }

func (p *TodoPlugin) GetContent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.items) == 0 {
		return ""
	}
	out := "## TODO\n"
	for _, item := range p.items {
		box := "[ ]"
		if item.Done {
			box = "[x]"
		}
		out += fmt.Sprintf("- %s %s\n", box, item.Text)
	}
	return out
}

func (p *TodoPlugin) GetContents() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]TodoItem, len(p.items))
	copy(out, p.items)
	return out
}

func (p *TodoPlugin) GetTokenSize() int             { return p.CachedTokenSize(p.GetContent) }
func (p *TodoPlugin) GetInstructionsTokenSize() int { return 0 }
func (p *TodoPlugin) IsCompactable() bool           { return false }
func (p *TodoPlugin) Compact(int) int               { return 0 }
func (p *TodoPlugin) GetTools() []models.Tool       { return nil }

func (p *TodoPlugin) GetState() (json.RawMessage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(p.items)
}

func (p *TodoPlugin) RestoreState(data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Unmarshal(data, &p.items)
}

func (p *TodoPlugin) Destroy() {}
