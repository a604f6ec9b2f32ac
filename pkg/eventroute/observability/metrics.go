package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueStat is one consumer queue's backlog at collection time.
type QueueStat struct {
	ChannelID string
	QueueID   string
	Depth     int
	OldestAge time.Duration
}

// QueueStatsFunc reports the backlog of every observable queue.
type QueueStatsFunc func(ctx context.Context) []QueueStat

// MetricsRecorder records routing metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordRoute records one Route call and whether it was accepted.
	RecordRoute(ctx context.Context, eventType string, accepted bool, duration time.Duration)

	// RecordPublish records one queue delivery outcome.
	RecordPublish(ctx context.Context, channelID, queueID string, success bool, duration time.Duration)

	// RecordDeadLetter records a dead-letter write.
	RecordDeadLetter(ctx context.Context, channelID, reason string)

	// RecordArchiveFailure records a failed archive append.
	RecordArchiveFailure(ctx context.Context)

	// RecordFatal records a failure escalated to the operator.
	RecordFatal(ctx context.Context, op string)

	// ObserveQueues registers fn as the source of queue depth and
	// oldest-message-age gauges. Later calls replace earlier sources.
	ObserveQueues(fn QueueStatsFunc) error
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	meter           metric.Meter
	routed          metric.Int64Counter
	routeLatency    metric.Float64Histogram
	published       metric.Int64Counter
	publishLatency  metric.Float64Histogram
	deadLetters     metric.Int64Counter
	archiveFailures metric.Int64Counter
	fatal           metric.Int64Counter
	queueDepth      metric.Int64ObservableGauge
	queueAge        metric.Float64ObservableGauge

	mu           sync.Mutex
	registration metric.Registration
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("eventroute"))
	})
	return defaultMetrics, defaultMetricsErr
}

// NewOTelMetrics creates a recorder on an explicit meter.
func NewOTelMetrics(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{meter: meter}
	var err error

	if m.routed, err = meter.Int64Counter("eventroute.route.events",
		metric.WithDescription("Number of events routed, by type and acceptance"),
	); err != nil {
		return nil, err
	}
	if m.routeLatency, err = meter.Float64Histogram("eventroute.route.latency_ms",
		metric.WithDescription("Time to archive and fan out an event"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.published, err = meter.Int64Counter("eventroute.channel.publish",
		metric.WithDescription("Number of queue deliveries, by channel, queue and outcome"),
	); err != nil {
		return nil, err
	}
	if m.publishLatency, err = meter.Float64Histogram("eventroute.channel.publish_latency_ms",
		metric.WithDescription("Queue delivery latency including retries"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("eventroute.deadletter.records",
		metric.WithDescription("Number of dead-letter records written"),
	); err != nil {
		return nil, err
	}
	if m.archiveFailures, err = meter.Int64Counter("eventroute.archive.failures",
		metric.WithDescription("Number of failed archive appends"),
	); err != nil {
		return nil, err
	}
	if m.fatal, err = meter.Int64Counter("eventroute.fatal",
		metric.WithDescription("Number of failures escalated to the operator"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64ObservableGauge("eventroute.queue.depth",
		metric.WithDescription("Unacknowledged messages per consumer queue"),
	); err != nil {
		return nil, err
	}
	if m.queueAge, err = meter.Float64ObservableGauge("eventroute.queue.oldest_unacked_seconds",
		metric.WithDescription("Age of the oldest unacknowledged message per consumer queue"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordRoute implements MetricsRecorder.
func (m *otelMetrics) RecordRoute(ctx context.Context, eventType string, accepted bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("accepted", accepted),
	)
	m.routed.Add(ctx, 1, attrs)
	m.routeLatency.Record(ctx, durationMs(duration), attrs)
}

// RecordPublish implements MetricsRecorder.
func (m *otelMetrics) RecordPublish(ctx context.Context, channelID, queueID string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("channel_id", channelID),
		attribute.String("queue_id", queueID),
		attribute.Bool("success", success),
	)
	m.published.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, durationMs(duration), attrs)
}

// RecordDeadLetter implements MetricsRecorder.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, channelID, reason string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel_id", channelID),
		attribute.String("reason", reason),
	))
}

// RecordArchiveFailure implements MetricsRecorder.
func (m *otelMetrics) RecordArchiveFailure(ctx context.Context) {
	m.archiveFailures.Add(ctx, 1)
}

// RecordFatal implements MetricsRecorder.
func (m *otelMetrics) RecordFatal(ctx context.Context, op string) {
	m.fatal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// ObserveQueues implements MetricsRecorder.
func (m *otelMetrics) ObserveQueues(fn QueueStatsFunc) error {
	reg, err := m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for _, s := range fn(ctx) {
			attrs := metric.WithAttributes(
				attribute.String("channel_id", s.ChannelID),
				attribute.String("queue_id", s.QueueID),
			)
			o.ObserveInt64(m.queueDepth, int64(s.Depth), attrs)
			o.ObserveFloat64(m.queueAge, s.OldestAge.Seconds(), attrs)
		}
		return nil
	}, m.queueDepth, m.queueAge)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
	m.registration = reg
	return nil
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
