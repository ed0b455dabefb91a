package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the globally registered helmsman tracer. Until Init runs
// with telemetry enabled this is a no-op tracer, so call sites never gate
// on configuration.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// Standard attribute keys for helmsman spans.
var (
	AttrDispatchID  = attribute.Key("helmsman.dispatch.id")
	AttrTaskID      = attribute.Key("helmsman.task.id")
	AttrPlanStatus  = attribute.Key("helmsman.plan.status")
	AttrTier        = attribute.Key("helmsman.task.tier")
	AttrPlatform    = attribute.Key("helmsman.task.platform")
	AttrModel       = attribute.Key("helmsman.task.model")
	AttrProjectPath = attribute.Key("helmsman.project.path")
	AttrCommand     = attribute.Key("helmsman.operator.command")
	AttrComponent   = attribute.Key("helmsman.watchdog.component")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent backend subprocess, chat transport).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
