package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g. "task_start", "task_retry")
//   - Attributes: workflow id, seq, task id, and all Meta fields
//   - Status: error if event.Meta["error"] is present
//
// Spans are ended immediately; events represent points in time rather than
// durations. Duration information travels in the "duration_ms" Meta field.
//
// Usage:
//
//	tracer := otel.Tracer("graphplan-go")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer,
// typically otel.Tracer("graphplan-go").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends a span describing the event.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.id", event.WorkflowID),
		attribute.Int("workflow.seq", event.Seq),
		attribute.String("task.id", event.TaskID),
	)

	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute(key, value))
	}

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

// metaAttribute converts a Meta entry to a typed span attribute, falling
// back to a formatted string for uncommon types.
func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
