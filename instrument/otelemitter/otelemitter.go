// Package otelemitter is an OpenTelemetry-backed instrument.Emitter,
// adapted from the teacher's graph/emit/otel.go. Each instrumentation
// event (BUFFERED, ENTER, ..., EXIT/TERMINATE) becomes one span tagged
// with its tokenId. Every span is started from context.Background(), so
// spans are independent roots: the spans of one token are not linked
// into a tree, only related by the servicethread.token_id attribute.
package otelemitter

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/auroraworks/servicethread/instrument"
)

// Emitter creates one OpenTelemetry span per instrumentation event.
type Emitter struct {
	tracer trace.Tracer
}

// New creates an Emitter backed by tracer, typically
// otel.Tracer("servicethread").
func New(tracer trace.Tracer) *Emitter {
	return &Emitter{tracer: tracer}
}

func (e *Emitter) Emit(event instrument.Event) {
	ctx := context.Background()
	_, span := e.tracer.Start(ctx, string(event.EventType))
	defer span.End()
	e.annotate(span, event)
}

func (e *Emitter) EmitBatch(_ context.Context, events []instrument.Event) error {
	for _, event := range events {
		_, span := e.tracer.Start(context.Background(), string(event.EventType))
		e.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush forces export of pending spans via the active tracer provider,
// when that provider supports it (e.g. the SDK provider, not the noop
// default).
func (e *Emitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (e *Emitter) annotate(span trace.Span, event instrument.Event) {
	span.SetAttributes(
		attribute.Int64("servicethread.token_id", int64(event.TokenID)),
		attribute.String("servicethread.place_or_transition", event.PlaceOrTransition),
		attribute.String("servicethread.to_place", event.ToPlace),
		attribute.String("servicethread.transition_id", event.TransitionID),
		attribute.Int("servicethread.marking", event.Marking),
		attribute.Int("servicethread.buffer", event.Buffer),
		attribute.Int64("servicethread.workflow_start_time", event.WorkflowStartTime),
		attribute.String("servicethread.arc_value", event.ArcValue),
		attribute.String("servicethread.source_event_generator", event.SourceEventGenerator),
	)

	if event.EventType == instrument.JoinConsumed || event.EventType == instrument.Terminate {
		span.SetStatus(codes.Ok, "")
	}
}
