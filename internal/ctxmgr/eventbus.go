package ctxmgr

import (
	"log/slog"
	"sync"
	"time"
)

// EventType enumerates the Context Manager's process-local observer bus
// events, per spec.md §4.4 ("Emitted events"). Ground:
// internal/hooks/types.go's EventType const block, generalized from
// channel/session/tool events to context-manager events.
type EventType string

const (
	EventContextPrepared    EventType = "context:prepared"
	EventContextCompacted   EventType = "context:compacted"
	EventBudgetUpdated      EventType = "budget:updated"
	EventBudgetWarning      EventType = "budget:warning"  // utilization > 70%
	EventBudgetCritical     EventType = "budget:critical" // utilization > 90%
	EventInputOversized     EventType = "input:oversized"
	EventCompactionStarting EventType = "compaction:starting"
	EventMessageAdded       EventType = "message:added"
	EventConversationClear  EventType = "conversation:cleared"
	EventContextExhausted   EventType = "context:exhausted"
)

// Event is one item published on the bus.
type Event struct {
	Type EventType
	Time time.Time

	TokensFreed      int
	CompactionLog    []string
	Utilization      float64
	Data             map[string]any
}

// Handler processes one Event. A panicking handler is recovered and logged
// and does not stop delivery to other handlers.
type Handler func(Event)

// Filter optionally restricts a subscription to a subset of event types;
// a nil or empty Types slice matches every event.
type Filter struct {
	Types []EventType
}

// Matches reports whether the filter accepts the event.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

type subscription struct {
	id      int
	filter  Filter
	handler Handler
	queue   chan Event
}

// Bus is a process-local publish/subscribe bus. Delivery is FIFO per
// subscriber (each subscriber has its own buffered queue drained by a
// dedicated goroutine); there is no cross-event ordering guarantee across
// subscribers, matching spec.md §5's "Event bus delivery is FIFO per event
// type, per subscriber."
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscription
	nextID    int
	logger    *slog.Logger
	queueSize int
}

// NewBus constructs an event bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "ctxmgr.eventbus"), queueSize: 64}
}

// Subscribe registers handler for events matching filter, returning an
// unsubscribe function. Each subscriber gets its own FIFO queue so a slow
// handler never blocks the publisher or other subscribers.
func (b *Bus) Subscribe(filter Filter, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, filter: filter, handler: handler, queue: make(chan Event, b.queueSize)}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.drain(sub)

	return func() { b.unsubscribe(id) }
}

func (b *Bus) drain(sub *subscription) {
	for e := range sub.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("event handler panicked", "event", e.Type, "recover", r)
				}
			}()
			sub.handler(e)
		}()
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			close(s.queue)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every matching subscriber's queue. Subscribers
// must not block the publisher: if a subscriber's queue is full, the
// event is dropped for that subscriber and logged, rather than blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.Matches(e) {
			continue
		}
		select {
		case s.queue <- e:
		default:
			b.logger.Warn("dropping event: subscriber queue full", "event", e.Type, "subscriber", s.id)
		}
	}
}

// Close unsubscribes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		close(s.queue)
	}
}
