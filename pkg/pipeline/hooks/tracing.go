package hooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sqlpipe/pkg/pipeline"
)

// TracingHook implements OpenTelemetry tracing. Queue work items become
// parent spans of the statements they run.
type TracingHook struct {
	tracer trace.Tracer
}

var _ pipeline.Hook = (*TracingHook)(nil)

// NewTracingHook creates a new tracing hook
func NewTracingHook(tracer trace.Tracer) *TracingHook {
	return &TracingHook{tracer: tracer}
}

type spanCtxKey struct{}

// BeforeOperation is called before an operation starts
func (h *TracingHook) BeforeOperation(ctx context.Context, e *pipeline.Event) context.Context {
	if h.tracer == nil {
		return ctx
	}

	kind := trace.SpanKindClient
	if e.Queued {
		kind = trace.SpanKindInternal
	}
	ctx, span := h.tracer.Start(ctx, "sqlite."+Operation(e),
		trace.WithSpanKind(kind),
		trace.WithTimestamp(e.StartTime),
	)
	return context.WithValue(ctx, spanCtxKey{}, span)
}

// AfterOperation is called after an operation finished
func (h *TracingHook) AfterOperation(ctx context.Context, e *pipeline.Event) {
	span, ok := ctx.Value(spanCtxKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation", Operation(e)),
		attribute.String("sqlpipe.queue", e.Queue),
		attribute.String("sqlpipe.qos", string(e.QoS)),
	}
	if e.Query != "" {
		attrs = append(attrs, attribute.String("db.statement", truncate(e.Query)))
	}
	if e.Queued {
		attrs = append(attrs, attribute.Int64("sqlpipe.wait_us", e.Wait.Microseconds()))
	}
	span.SetAttributes(attrs...)

	if e.Err != nil {
		span.RecordError(e.Err)
		span.SetStatus(codes.Error, e.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
