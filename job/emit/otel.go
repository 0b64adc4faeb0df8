package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span.
//
// Each span has:
//   - Name: event.Msg (e.g. "stage_start", "checkpoint_saved")
//   - Attributes: job.kind, job.instance_key, job.attempt, job.attempt_id,
//     job.stage, job.stage_index and every event.Meta field under "job."
//   - Status: error when event.Meta["error"] is set
//
// Spans are ended immediately; events are points in time.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//
//	emitter := emit.NewOTelEmitter(otel.Tracer("jobcontinue"))
//	engine, err := job.New(def, st, job.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch creates spans for several events under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.emit(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("job.kind", event.JobKind),
		attribute.String("job.instance_key", event.InstanceKey),
		attribute.Int("job.attempt", event.Attempt),
	)
	if event.AttemptID != "" {
		span.SetAttributes(attribute.String("job.attempt_id", event.AttemptID))
	}
	if event.Stage != "" {
		span.SetAttributes(
			attribute.String("job.stage", event.Stage),
			attribute.Int("job.stage_index", event.StageIndex),
		)
	}

	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("job."+key, value))
	}

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg))
	}
}

func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case time.Duration:
		return attribute.Int64(key, int64(v/time.Millisecond))
	case []byte:
		return attribute.String(key, string(v))
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// Flush forces export of pending spans when the global tracer provider
// supports it. Call it before process exit.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
