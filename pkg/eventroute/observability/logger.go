// Package observability provides structured logging, metrics and tracing
// for eventroute.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"time"
)

// EnrichLogger adds delivery context to a logger.
// Empty values are omitted.
//
// Example:
//
//	enriched := EnrichLogger(logger, evt.ID, evt.Type, "ingestion", "consumer")
//	enriched.Info("delivering") // includes event_id, event_type, channel_id, queue_id
func EnrichLogger(logger *slog.Logger, eventID, eventType, channelID, queueID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	for _, kv := range [][2]string{
		{"event_id", eventID},
		{"event_type", eventType},
		{"channel_id", channelID},
		{"queue_id", queueID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	return logger.With(attrs...)
}

// LogRouteAccepted logs an event that was archived and fanned out.
func LogRouteAccepted(logger *slog.Logger, eventID, eventType string, channels int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event accepted",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("channels", channels),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRouteRejected logs an event whose archival failed.
func LogRouteRejected(logger *slog.Logger, eventID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event rejected",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogAudit logs every accepted event at debug level with its trace id.
func LogAudit(logger *slog.Logger, eventID, eventType, source, traceID string) {
	if logger == nil {
		return
	}
	logger.Debug("event received",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("source", source),
		slog.String("trace_id", traceID),
	)
}

// LogAttemptFailed logs one failed delivery attempt.
func LogAttemptFailed(logger *slog.Logger, attempt int, category string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("delivery attempt failed",
		slog.Int("attempt", attempt),
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
}

// LogDelivered logs a completed delivery.
func LogDelivered(logger *slog.Logger, attempts int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("delivered",
		slog.Int("attempts", attempts),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeadLettered logs a delivery handed to a dead-letter sink.
func LogDeadLettered(logger *slog.Logger, reason string, attempts int, err error) {
	if logger == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	logger.Warn("delivery dead-lettered",
		slog.String("reason", reason),
		slog.Int("attempts", attempts),
		slog.String("error", msg),
	)
}

// LogBestEffortDropped logs a failed delivery on a channel without a
// dead-letter sink.
func LogBestEffortDropped(logger *slog.Logger, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Info("best-effort delivery dropped",
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogFatal logs a failure that must reach an operator.
func LogFatal(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("fatal routing failure",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}

// NewLogger builds a slog logger writing JSON or text at level.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
