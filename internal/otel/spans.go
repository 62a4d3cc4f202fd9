package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for cordell spans.
var (
	AttrJob       = attribute.Key("cordell.job.name")
	AttrSession   = attribute.Key("cordell.session.name")
	AttrRunID     = attribute.Key("cordell.run.id")
	AttrOutcome   = attribute.Key("cordell.job.outcome")
	AttrSuppress  = attribute.Key("cordell.job.suppressed")
	AttrToolName  = attribute.Key("cordell.tool.name")
	AttrLogOffset = attribute.Key("cordell.log.offset")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the agent runtime.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
