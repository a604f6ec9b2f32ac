package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsRecorder on a Prometheus registry.
type PrometheusMetrics struct {
	RoutedTotal          *prometheus.CounterVec
	RouteLatency         *prometheus.HistogramVec
	PublishedTotal       *prometheus.CounterVec
	PublishLatency       *prometheus.HistogramVec
	DeadLettersTotal     *prometheus.CounterVec
	ArchiveFailuresTotal prometheus.Counter
	FatalTotal           *prometheus.CounterVec

	mu    sync.RWMutex
	stats QueueStatsFunc
}

// NewPrometheusMetrics creates and registers the eventroute_* collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		RoutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "eventroute_route_events_total", Help: "Routed events by type and acceptance."},
			[]string{"event_type", "accepted"},
		),
		RouteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "eventroute_route_duration_seconds", Help: "Time to archive and fan out an event.", Buckets: prometheus.DefBuckets},
			[]string{"event_type"},
		),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "eventroute_channel_publish_total", Help: "Queue deliveries by channel, queue and outcome."},
			[]string{"channel_id", "queue_id", "success"},
		),
		PublishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "eventroute_channel_publish_duration_seconds", Help: "Queue delivery latency including retries.", Buckets: prometheus.DefBuckets},
			[]string{"channel_id", "queue_id"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "eventroute_deadletter_records_total", Help: "Dead-letter records written."},
			[]string{"channel_id", "reason"},
		),
		ArchiveFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "eventroute_archive_failures_total", Help: "Failed archive appends."},
		),
		FatalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "eventroute_fatal_total", Help: "Failures escalated to the operator."},
			[]string{"operation"},
		),
	}
	reg.MustRegister(
		m.RoutedTotal, m.RouteLatency,
		m.PublishedTotal, m.PublishLatency,
		m.DeadLettersTotal, m.ArchiveFailuresTotal, m.FatalTotal,
		&queueCollector{m: m},
	)
	return m
}

// RecordRoute implements MetricsRecorder.
func (m *PrometheusMetrics) RecordRoute(_ context.Context, eventType string, accepted bool, duration time.Duration) {
	m.RoutedTotal.WithLabelValues(eventType, boolLabel(accepted)).Inc()
	m.RouteLatency.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordPublish implements MetricsRecorder.
func (m *PrometheusMetrics) RecordPublish(_ context.Context, channelID, queueID string, success bool, duration time.Duration) {
	m.PublishedTotal.WithLabelValues(channelID, queueID, boolLabel(success)).Inc()
	m.PublishLatency.WithLabelValues(channelID, queueID).Observe(duration.Seconds())
}

// RecordDeadLetter implements MetricsRecorder.
func (m *PrometheusMetrics) RecordDeadLetter(_ context.Context, channelID, reason string) {
	m.DeadLettersTotal.WithLabelValues(channelID, reason).Inc()
}

// RecordArchiveFailure implements MetricsRecorder.
func (m *PrometheusMetrics) RecordArchiveFailure(context.Context) {
	m.ArchiveFailuresTotal.Inc()
}

// RecordFatal implements MetricsRecorder.
func (m *PrometheusMetrics) RecordFatal(_ context.Context, op string) {
	m.FatalTotal.WithLabelValues(op).Inc()
}

// ObserveQueues implements MetricsRecorder.
func (m *PrometheusMetrics) ObserveQueues(fn QueueStatsFunc) error {
	m.mu.Lock()
	m.stats = fn
	m.mu.Unlock()
	return nil
}

var (
	queueDepthDesc = prometheus.NewDesc("eventroute_queue_depth",
		"Unacknowledged messages per consumer queue.", []string{"channel_id", "queue_id"}, nil)
	queueAgeDesc = prometheus.NewDesc("eventroute_queue_oldest_unacked_seconds",
		"Age of the oldest unacknowledged message per consumer queue.", []string{"channel_id", "queue_id"}, nil)
)

// queueCollector reads queue backlog at scrape time.
type queueCollector struct {
	m *PrometheusMetrics
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- queueAgeDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.RLock()
	fn := c.m.stats
	c.m.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, s := range fn(context.Background()) {
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(s.Depth), s.ChannelID, s.QueueID)
		ch <- prometheus.MustNewConstMetric(queueAgeDesc, prometheus.GaugeValue, s.OldestAge.Seconds(), s.ChannelID, s.QueueID)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
