package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartExecuteSpan creates the span covering one failover run for a request.
func StartExecuteSpan(ctx context.Context, requestID, model, strategy string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "manager.execute",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("request.model", model),
			attribute.String("failover.strategy", strategy),
		),
	)
}

// StartAttemptSpan creates a child span for one provider attempt.
func StartAttemptSpan(ctx context.Context, provider string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "manager.attempt",
		trace.WithAttributes(
			attribute.String("provider.name", provider),
			attribute.Int("failover.attempt", attempt),
		),
	)
}

// StartUpstreamSpan creates a client span for an upstream HTTP call.
func StartUpstreamSpan(ctx context.Context, url, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.provider", provider),
		),
	)
}

// StartProbeSpan creates a span for a health probe.
func StartProbeSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "health.probe",
		trace.WithAttributes(attribute.String("provider.name", provider)),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the outgoing request headers.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetUsageAttributes records vendor-reported token usage on the current span.
func SetUsageAttributes(ctx context.Context, tokensIn, tokensOut int) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("usage.tokens_in", tokensIn),
		attribute.Int("usage.tokens_out", tokensOut),
	)
}

// SetResponseAttributes adds the serving provider and accounting to the current span.
func SetResponseAttributes(ctx context.Context, provider string, attempts, tokens int, cost float64) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("response.provider", provider),
		attribute.Int("response.attempts", attempts),
		attribute.Int("response.tokens", tokens),
		attribute.Float64("response.cost", cost),
	)
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
