// Package agentcore implements the Agent Core (spec.md §4.5): the
// provider/tool loop, the tool execution contract with JSON-schema
// validation, hook dispatch, and the streaming converter state machine.
package agentcore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// HookPoint names one of the Agent Core's synchronous extension points,
// per spec.md §4.5's exact enumeration.
type HookPoint string

const (
	HookBeforeExecution HookPoint = "before:execution"
	HookAfterExecution  HookPoint = "after:execution"
	HookBeforeLLM       HookPoint = "before:llm"
	HookAfterLLM        HookPoint = "after:llm"
	HookBeforeTool      HookPoint = "before:tool"
	HookAfterTool       HookPoint = "after:tool"
	HookApproveTool     HookPoint = "approve:tool"
	HookPauseCheck      HookPoint = "pause:check"
)

// HookEvent is the payload passed to a hook handler.
type HookEvent struct {
	Point    HookPoint
	RunID    string
	ToolName string
	ToolCall any
	Data     map[string]any
}

// HookDirective is a hook handler's response: a handler may request that
// the run be paused/cancelled, or that a tool call be denied.
type HookDirective struct {
	ShouldPause bool
	Cancel      string
	DenyReason  string
}

// HookHandler processes a HookEvent and returns a directive.
type HookHandler func(ctx context.Context, event HookEvent) (HookDirective, error)

// HookPriority orders handler dispatch for the same point; lower runs
// first.
type HookPriority int

const (
	HookPriorityHigh   HookPriority = 0
	HookPriorityNormal HookPriority = 100
	HookPriorityLow    HookPriority = 200
)

type hookRegistration struct {
	id       string
	point    HookPoint
	handler  HookHandler
	priority HookPriority
}

// HookRegistry dispatches hooks synchronously in priority order (ties
// broken by registration order), grounded on the teacher's
// internal/hooks/registry.go Registry.Trigger.
type HookRegistry struct {
	mu       sync.RWMutex
	byPoint  map[HookPoint][]*hookRegistration
	byID     map[string]*hookRegistration
	logger   *slog.Logger
}

// NewHookRegistry constructs an empty registry. A nil logger falls back
// to slog.Default().
func NewHookRegistry(logger *slog.Logger) *HookRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRegistry{
		byPoint: make(map[HookPoint][]*hookRegistration),
		byID:    make(map[string]*hookRegistration),
		logger:  logger.With("component", "agentcore.hooks"),
	}
}

// Register adds handler at point with priority, returning an ID usable
// with Unregister.
func (r *HookRegistry) Register(point HookPoint, handler HookHandler, priority HookPriority) string {
	reg := &hookRegistration{id: uuid.New().String(), point: point, handler: handler, priority: priority}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPoint[point] = append(r.byPoint[point], reg)
	sort.SliceStable(r.byPoint[point], func(i, j int) bool {
		return r.byPoint[point][i].priority < r.byPoint[point][j].priority
	})
	r.byID[reg.id] = reg
	return reg.id
}

// Unregister removes a handler by ID.
func (r *HookRegistry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	handlers := r.byPoint[reg.point]
	for i, h := range handlers {
		if h.id == id {
			r.byPoint[reg.point] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Trigger dispatches event to every handler registered at event.Point, in
// priority order, stopping early only at the first directive that requests
// cancellation. Pause requests and deny reasons from the handlers that ran
// are merged into the returned directive. A panicking handler is recovered
// and logged; dispatch continues to the remaining handlers.
func (r *HookRegistry) Trigger(ctx context.Context, event HookEvent) (HookDirective, error) {
	r.mu.RLock()
	handlers := make([]*hookRegistration, len(r.byPoint[event.Point]))
	copy(handlers, r.byPoint[event.Point])
	r.mu.RUnlock()

	var combined HookDirective
	for _, h := range handlers {
		directive, err := r.callHandler(ctx, h, event)
		if err != nil {
			r.logger.Warn("hook handler error", "point", event.Point, "error", err)
			continue
		}
		if directive.Cancel != "" {
			return directive, nil
		}
		if directive.DenyReason != "" {
			combined.DenyReason = directive.DenyReason
		}
		if directive.ShouldPause {
			combined.ShouldPause = true
		}
	}
	return combined, nil
}

func (r *HookRegistry) callHandler(ctx context.Context, reg *hookRegistration, event HookEvent) (directive HookDirective, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.handler(ctx, event)
}
