package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating one OpenTelemetry span per
// event.
//
// Each span carries:
//   - Name: the event type (e.g. "layer-start", "final-complete")
//   - Attributes: run_id, seq, stage, and scalar Data fields
//   - Status: error when the event is a TypeError event
//
// Spans are ended immediately; events represent points in time, not
// durations.
//
// Usage:
//
//	tracer := otel.Tracer("deepthink")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter for the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an immediately-ended span for the event.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("run_id", event.RunID),
		attribute.Int("seq", event.Seq),
	)
	if event.Stage != "" {
		span.SetAttributes(attribute.String("stage", event.Stage))
	}
	addDataAttributes(span, event.Data)

	if event.Type == TypeError {
		msg, _ := event.Data["error"].(string)
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}

// Flush forces export of pending spans before shutdown. Providers without
// flush support (e.g. the noop provider) are a no-op.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// addDataAttributes converts scalar Data values to span attributes.
// Non-scalar values are skipped; span attributes are for indexing, not
// payload transport.
func addDataAttributes(span trace.Span, data map[string]interface{}) {
	for key, value := range data {
		attrKey := "data." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		}
	}
}
