package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for relay spans.
var (
	AttrJobID     = attribute.Key("gorelay.job.id")
	AttrThreadID  = attribute.Key("gorelay.thread.id")
	AttrSessionID = attribute.Key("gorelay.session.id")
	AttrBackend   = attribute.Key("gorelay.backend")
	AttrAttempt   = attribute.Key("gorelay.job.attempt")
	AttrResume    = attribute.Key("gorelay.job.resume")
	AttrFellBack  = attribute.Key("gorelay.job.fell_back")
	AttrChannel   = attribute.Key("gorelay.channel")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway, channel).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (agent process spawn).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
