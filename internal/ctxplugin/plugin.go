// Package ctxplugin defines the Context Plugin abstraction (spec.md §4.3):
// a pluggable contributor of instructions, content, tools, and state to
// the Context Manager's assembled input. The dispatch-with-recover pattern
// is grounded on the teacher's internal/agent/plugin.go PluginRegistry,
// generalized from an event observer to this content-contributor role —
// the interface itself is newly authored since nothing in the teacher
// implements a context-contribution plugin.
package ctxplugin

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Plugin contributes instructions, content, tools, and state to every
// Context Manager prepare() call.
type Plugin interface {
	Name() string

	// GetInstructions returns static text, never compacted. Returns ""
	// when the plugin has nothing to contribute.
	GetInstructions() string
	// GetContent returns dynamic, markdown-formatted content that may be
	// compacted under token pressure.
	GetContent() string
	// GetContents returns the plugin's raw (non-rendered) data for
	// inspection/debugging.
	GetContents() any

	// GetTokenSize and GetInstructionsTokenSize are cached; plugins
	// invalidate their own cache on mutation.
	GetTokenSize() int
	GetInstructionsTokenSize() int

	IsCompactable() bool
	// Compact evicts content to free approximately targetTokensToFree
	// tokens (best-effort) and returns tokens actually freed.
	Compact(targetTokensToFree int) int

	GetTools() []models.Tool

	// GetState/RestoreState round-trip the plugin's data through a
	// session save. Must be synchronous and JSON-round-trippable.
	GetState() (json.RawMessage, error)
	RestoreState(data json.RawMessage) error

	Destroy()
}

// BasePlugin provides a token-size cache with explicit invalidation, for
// concrete plugins to embed rather than reimplement. Mirrors the cache
// field in the teacher's compaction/window helpers (cached token counts,
// invalidated on mutation).
type BasePlugin struct {
	mu               sync.Mutex
	cachedTokens     int
	cachedInstrTok   int
	tokensValid      bool
	instrTokensValid bool
	estimate         func(string) int
}

// NewBasePlugin wires the token estimator function (usually
// tokens.EstimateTokens) used to compute cached sizes.
func NewBasePlugin(estimate func(string) int) BasePlugin {
	return BasePlugin{estimate: estimate}
}

// Invalidate clears both caches; a plugin calls this on any mutation.
func (b *BasePlugin) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokensValid = false
	b.instrTokensValid = false
}

// CachedTokenSize returns the cached content token size, recomputing via
// contentFn if invalid.
func (b *BasePlugin) CachedTokenSize(contentFn func() string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tokensValid {
		b.cachedTokens = b.estimate(contentFn())
		b.tokensValid = true
	}
	return b.cachedTokens
}

// CachedInstructionsTokenSize is CachedTokenSize's counterpart for
// instructions.
func (b *BasePlugin) CachedInstructionsTokenSize(instrFn func() string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.instrTokensValid {
		b.cachedInstrTok = b.estimate(instrFn())
		b.instrTokensValid = true
	}
	return b.cachedInstrTok
}

// Registry dispatches plugin queries in registration order and recovers
// a panicking plugin so one misbehaving contributor can't break context
// assembly for the rest, grounded on internal/agent/plugin.go's
// PluginRegistry.Emit.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
}

// NewRegistry constructs an empty Registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "ctxplugin")}
}

// Use registers a plugin. Plugins appear in registration order in every
// assembled system message.
func (r *Registry) Use(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// Remove unregisters a plugin by name, calling Destroy on it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.plugins {
		if p.Name() == name {
			r.plugins = append(r.plugins[:i], r.plugins[i+1:]...)
			r.safeDestroy(p)
			return true
		}
	}
	return false
}

// List returns a snapshot of registered plugins in registration order.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Get returns the plugin with the given name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Clear destroys and unregisters every plugin.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plugins {
		r.safeDestroy(p)
	}
	r.plugins = nil
}

func (r *Registry) safeDestroy(p Plugin) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("plugin destroy panicked", "plugin", p.Name(), "recover", rec)
		}
	}()
	p.Destroy()
}

// CollectTools gathers every plugin's tools in registration order,
// recovering any plugin whose GetTools panics.
func (r *Registry) CollectTools() []models.Tool {
	var out []models.Tool
	for _, p := range r.List() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warn("plugin GetTools panicked", "plugin", p.Name(), "recover", rec)
				}
			}()
			out = append(out, p.GetTools()...)
		}()
	}
	return out
}

// CollectInstructions concatenates every plugin's instructions in
// registration order, skipping empty contributions.
func (r *Registry) CollectInstructions() string {
	var out string
	for _, p := range r.List() {
		if instr := safeString(r.logger, p, "GetInstructions", p.GetInstructions); instr != "" {
			out += instr + "\n"
		}
	}
	return out
}

// CollectContent concatenates every plugin's content in registration
// order, skipping empty contributions.
func (r *Registry) CollectContent() string {
	var out string
	for _, p := range r.List() {
		if content := safeString(r.logger, p, "GetContent", p.GetContent); content != "" {
			out += content + "\n"
		}
	}
	return out
}

func safeString(logger *slog.Logger, p Plugin, op string, fn func() string) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warn("plugin call panicked", "plugin", p.Name(), "op", op, "recover", rec)
			result = ""
		}
	}()
	return fn()
}

// CompactableByPriority returns compactable plugins sorted by descending
// priority (the order the algorithmic compaction strategy compacts them
// in). Priority is supplied by the caller since the Plugin interface
// itself carries no priority field; ctxmgr's AlgorithmicStrategy decides
// priority (working memory first by convention).
func (r *Registry) CompactableByPriority(priority func(Plugin) int) []Plugin {
	all := r.List()
	var compactable []Plugin
	for _, p := range all {
		if p.IsCompactable() {
			compactable = append(compactable, p)
		}
	}
	// Stable insertion sort keeps ties in registration order.
	for i := 1; i < len(compactable); i++ {
		j := i
		for j > 0 && priority(compactable[j-1]) < priority(compactable[j]) {
			compactable[j-1], compactable[j] = compactable[j], compactable[j-1]
			j--
		}
	}
	return compactable
}
