package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with agent-studio span helpers.
// A nil *Tracer is valid and records nothing.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	debug      bool
}

// NewTracer creates a tracer from tp.
func NewTracer(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer:     tp.Tracer(name),
		propagator: propagation.TraceContext{},
		debug:      debug,
	}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return NewTracer(noop.NewTracerProvider(), "", false)
}

// Debug reports whether content is recorded in spans.
func (t *Tracer) Debug() bool {
	return t != nil && t.debug
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.start(ctx, name, trace.SpanKindInternal, attrs...)
}

// StartDispatchSpan starts a span for one routed request.
func (t *Tracer) StartDispatchSpan(ctx context.Context, sessionID, content string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("session.id", sessionID)}
	if t.Debug() {
		attrs = append(attrs, attribute.String("dispatch.content", truncate(content, 2000)))
	}
	return t.start(ctx, "router.dispatch", trace.SpanKindServer, attrs...)
}

// StartLoadSpan starts a span for loading an agent's unit.
func (t *Tracer) StartLoadSpan(ctx context.Context, agentID, locator string) (context.Context, trace.Span) {
	return t.start(ctx, "loader.load", trace.SpanKindInternal,
		attribute.String("agent.id", agentID),
		attribute.String("agent.locator", locator),
	)
}

// StartCallSpan starts a span for a remote agent call.
func (t *Tracer) StartCallSpan(ctx context.Context, remoteID, correlationID string) (context.Context, trace.Span) {
	return t.start(ctx, "a2a.call", trace.SpanKindClient,
		attribute.String("remote.id", remoteID),
		attribute.String("remote.correlation_id", correlationID),
	)
}

// EndSpan records err, if any, adds attrs and ends the span.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Inject writes the span context of ctx into a string map, for carrying
// trace context across a process boundary.
func (t *Tracer) Inject(ctx context.Context) map[string]string {
	if t == nil {
		return nil
	}
	carrier := propagation.MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract restores span context written by Inject.
func (t *Tracer) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if t == nil || len(carrier) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
