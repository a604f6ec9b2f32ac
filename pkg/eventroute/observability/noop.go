package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// RecordRoute implements MetricsRecorder.
func (NoopMetrics) RecordRoute(context.Context, string, bool, time.Duration) {}

// RecordPublish implements MetricsRecorder.
func (NoopMetrics) RecordPublish(context.Context, string, string, bool, time.Duration) {}

// RecordDeadLetter implements MetricsRecorder.
func (NoopMetrics) RecordDeadLetter(context.Context, string, string) {}

// RecordArchiveFailure implements MetricsRecorder.
func (NoopMetrics) RecordArchiveFailure(context.Context) {}

// RecordFatal implements MetricsRecorder.
func (NoopMetrics) RecordFatal(context.Context, string) {}

// ObserveQueues implements MetricsRecorder.
func (NoopMetrics) ObserveQueues(QueueStatsFunc) error { return nil }

// NoopSpanManager is a SpanManager that creates non-recording spans.
type NoopSpanManager struct{}

var noopTracer = noop.NewTracerProvider().Tracer("noop")

// StartRouteSpan implements SpanManager.
func (NoopSpanManager) StartRouteSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return noopTracer.Start(ctx, "noop")
}

// StartPublishSpan implements SpanManager.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return noopTracer.Start(ctx, "noop")
}

// EndSpanWithError implements SpanManager.
func (NoopSpanManager) EndSpanWithError(span trace.Span, _ error) {
	if span != nil {
		span.End()
	}
}

// AddSpanEvent implements SpanManager.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

// Compile-time interface checks.
var (
	_ MetricsRecorder = NoopMetrics{}
	_ MetricsRecorder = (*otelMetrics)(nil)
	_ MetricsRecorder = (*PrometheusMetrics)(nil)
	_ SpanManager     = NoopSpanManager{}
	_ SpanManager     = (*otelSpanManager)(nil)
)
