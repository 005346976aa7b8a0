// Package telemetry wraps the otel/trace API with the handful of spans this
// system's hot paths need: one per broker publish, one per pull-consumer
// fetch, one per engine transition. It never touches metrics or logs — those
// stay with the standard logger and the audit/projection stores — this is
// tracing only, and a nil-exporter tracer provider (the default, until a
// binary wires a real one) makes every call here a no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "p3timing"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartPublish opens a span around one broker publish to subject.
func StartPublish(ctx context.Context, subject, msgID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "broker.publish", trace.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("msg_id", msgID),
	))
}

// StartFetch opens a span around one pull-consumer fetch.
func StartFetch(ctx context.Context, durableName string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "broker.fetch", trace.WithAttributes(
		attribute.String("consumer", durableName),
	))
}

// StartEngineTransition opens a span around one engine state transition
// (StageMoto, ProcessPassing, Reset, ForceFinish) for a track.
func StartEngineTransition(ctx context.Context, trackID, transition string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "engine."+transition, trace.WithAttributes(
		attribute.String("track_id", trackID),
	))
}

// End records err on span (if non-nil) and closes it. Callers defer it
// immediately after a Start* call.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
