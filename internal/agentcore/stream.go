package agentcore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// streamBufferSize bounds the channel Stream returns, matching the
// teacher's buffered ResponseChunk channel convention in
// internal/agent/loop.go.
const streamBufferSize = 64

// streamConverter buffers per-tool_call_id argument deltas and assigns a
// strictly increasing sequence number to every emitted event, per spec.md
// §4.5 "Stream converter". Converter state is cleared at stream start and
// by Clear.
type streamConverter struct {
	seq     atomic.Uint64
	pending map[string]*toolCallBuffer
}

type toolCallBuffer struct {
	name string
	args string
}

func newStreamConverter() *streamConverter {
	return &streamConverter{pending: make(map[string]*toolCallBuffer)}
}

// Clear resets converter state (spec.md §4.5: "cleared at stream start
// and on explicit clear()").
func (c *streamConverter) Clear() {
	c.seq.Store(0)
	c.pending = make(map[string]*toolCallBuffer)
}

func (c *streamConverter) next() uint64 {
	return c.seq.Add(1)
}

func (c *streamConverter) emit(out chan<- models.StreamEvent, evt models.StreamEvent) {
	evt.Seq = c.next()
	out <- evt
}

// Stream runs the same provider/tool loop as Run but emits a strict
// sequence of StreamEvents: RESPONSE_CREATED, OUTPUT_TEXT_DELTA,
// TOOL_CALL_START, TOOL_CALL_ARGUMENTS_DELTA/DONE, RESPONSE_COMPLETE.
// Ground: internal/agent/loop.go's streamPhase/executeToolsPhase staged
// ResponseChunk emission, generalized to models.StreamEvent.
func (a *Agent) Stream(ctx context.Context, prompt string) (<-chan models.StreamEvent, error) {
	a.resetCancel()
	out := make(chan models.StreamEvent, streamBufferSize)
	converter := newStreamConverter()

	go func() {
		defer close(out)
		defer a.ctxmgr.Consolidate(ctx)

		converter.emit(out, models.StreamEvent{Type: models.StreamResponseCreated})

		a.ctxmgr.AppendMessage(models.ConversationMessage{Role: models.RoleUser, Content: prompt, Timestamp: time.Now()})
		pending := models.ConversationMessage{Role: models.RoleUser, Content: prompt, Timestamp: time.Now()}

		var final models.GenerateResponse
		for iter := 1; iter <= a.cfg.MaxIterations; iter++ {
			if cancelled, reason := a.Cancelled(); cancelled {
				converter.emit(out, models.StreamEvent{Type: models.StreamResponseComplete, Err: models.NewError(models.ErrorCancelled, reason)})
				return
			}

			prepared, err := a.ctxmgr.Prepare(ctx, pending)
			if err != nil {
				converter.emit(out, models.StreamEvent{Type: models.StreamResponseComplete, Err: err})
				return
			}

			providerEvents, err := a.provider.Stream(ctx, models.GenerateRequest{
				Messages:    prepared.Input,
				Tools:       a.tools.Definitions(),
				MaxTokens:   a.cfg.MaxTokens,
				Temperature: a.cfg.Temperature,
			})
			if err != nil {
				converter.emit(out, models.StreamEvent{Type: models.StreamResponseComplete, Err: err})
				return
			}

			resp, err := a.drainProviderStream(ctx, providerEvents, converter, out)
			if err != nil {
				converter.emit(out, models.StreamEvent{Type: models.StreamResponseComplete, Err: err})
				return
			}
			final = resp

			a.ctxmgr.AppendMessage(models.ConversationMessage{
				Role: models.RoleAssistant, Content: resp.OutputText, Parts: resp.OutputItems, Timestamp: time.Now(),
			})

			toolCalls := extractToolUse(resp.OutputItems)
			if len(toolCalls) == 0 {
				break
			}

			toolResults, err := a.runToolCalls(ctx, toolCalls)
			if err != nil {
				converter.emit(out, models.StreamEvent{Type: models.StreamResponseComplete, Err: err})
				return
			}
			resultParts := make([]models.Part, len(toolResults))
			for i, tr := range toolResults {
				resultParts[i] = tr
			}
			a.ctxmgr.AppendMessage(models.ConversationMessage{Role: models.RoleTool, Parts: resultParts, Timestamp: time.Now()})
			pending = models.ConversationMessage{Role: models.RoleUser, Timestamp: time.Now()}
		}

		converter.emit(out, models.StreamEvent{Type: models.StreamResponseComplete, Response: &final})
	}()

	return out, nil
}

// drainProviderStream relays provider-level stream events into the
// converter's strict output sequence, buffering per-tool_call_id
// argument deltas until TOOL_CALL_ARGUMENTS_DONE and assembling the final
// GenerateResponse from what it observed.
func (a *Agent) drainProviderStream(ctx context.Context, in <-chan models.StreamEvent, converter *streamConverter, out chan<- models.StreamEvent) (models.GenerateResponse, error) {
	var resp models.GenerateResponse
	var textBuilder string

	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case evt, ok := <-in:
			if !ok {
				resp.OutputText = textBuilder
				return resp, nil
			}
			if evt.Err != nil {
				return resp, evt.Err
			}
			switch evt.Type {
			case models.StreamOutputTextDelta:
				textBuilder += evt.TextDelta
				converter.emit(out, models.StreamEvent{Type: models.StreamOutputTextDelta, TextDelta: evt.TextDelta})
			case models.StreamToolCallStart:
				converter.pending[evt.ToolCallID] = &toolCallBuffer{name: evt.ToolName}
				converter.emit(out, models.StreamEvent{Type: models.StreamToolCallStart, ToolCallID: evt.ToolCallID, ToolName: evt.ToolName})
			case models.StreamToolCallArgsDelta:
				if buf, ok := converter.pending[evt.ToolCallID]; ok {
					buf.args += evt.ArgsDelta
				}
				converter.emit(out, models.StreamEvent{Type: models.StreamToolCallArgsDelta, ToolCallID: evt.ToolCallID, ArgsDelta: evt.ArgsDelta})
			case models.StreamToolCallArgsDone:
				buf := converter.pending[evt.ToolCallID]
				args := ""
				name := evt.ToolName
				if buf != nil {
					args = buf.args
					if name == "" {
						name = buf.name
					}
					delete(converter.pending, evt.ToolCallID)
				}
				resp.OutputItems = append(resp.OutputItems, models.ToolUsePart{ID: evt.ToolCallID, Name: name, Arguments: []byte(args)})
				converter.emit(out, models.StreamEvent{Type: models.StreamToolCallArgsDone, ToolCallID: evt.ToolCallID})
			case models.StreamResponseComplete:
				if evt.Response != nil {
					resp.Usage = evt.Response.Usage
					if evt.Response.OutputText != "" {
						textBuilder = evt.Response.OutputText
					}
				}
				resp.OutputText = textBuilder
				return resp, nil
			}
		}
	}
}
