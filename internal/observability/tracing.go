package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer for the runtime's LLM-call,
// tool-call, and routine-task spans. Ground: the teacher's
// internal/observability/tracing.go Tracer, trimmed to the OTel API
// surface this module actually depends on (otel + otel/trace) — the
// teacher's OTLP/gRPC exporter and SDK wiring is left to the host
// process, which configures the global TracerProvider via
// otel.SetTracerProvider before constructing a Tracer; see DESIGN.md.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer bound to name, read from whatever
// TracerProvider is currently registered globally (a no-op provider
// until the host process configures one).
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// Start creates a child span named name and returns the span-bearing
// context. The caller must call span.End().
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithAttributes(attrs...)}
	if kind != trace.SpanKindUnspecified {
		opts = append(opts, trace.WithSpanKind(kind))
	}
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks it as failed. A nil err is
// a no-op so callers can call it unconditionally.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceLLMRequest starts a client span for one provider.Generate call.
func (t *Tracer) TraceLLMRequest(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.generate", trace.SpanKindClient, attribute.String("agent.id", agentID))
}

// TraceToolExecution starts an internal span for one tool call.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.SpanKindInternal, attribute.String("tool.name", toolName))
}

// TraceRoutineTask starts an internal span for one routine task run.
func (t *Tracer) TraceRoutineTask(ctx context.Context, taskID, taskName string) (context.Context, trace.Span) {
	return t.Start(ctx, "routine.task", trace.SpanKindInternal,
		attribute.String("task.id", taskID),
		attribute.String("task.name", taskName),
	)
}

// WithSpan runs fn inside a span named name, recording any error it
// returns and always ending the span.
func WithSpan(ctx context.Context, tracer *Tracer, name string, kind trace.SpanKind, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name, kind)
	defer span.End()
	err := fn(ctx)
	tracer.RecordError(span, err)
	return err
}
