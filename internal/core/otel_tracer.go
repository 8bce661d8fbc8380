package core

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const otelInstrumentation = "datacontext/core"

// OTelTracer forwards engine spans to an OpenTelemetry tracer provider.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer uses tp, or the global provider when tp is nil.
func NewOTelTracer(tp trace.TracerProvider) *OTelTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: tp.Tracer(otelInstrumentation)}
}

// Start opens a span named after the operation kind ("submit", "query") and
// tags it with the table.
func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	kind, table, _ := strings.Cut(operation, ":")
	ctx, span := t.tracer.Start(ctx, "datacontext."+kind,
		trace.WithAttributes(
			attribute.String("datacontext.operation", kind),
			attribute.String("datacontext.table", table),
		),
	)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
