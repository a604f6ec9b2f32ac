package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptureLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestEnrichLogger(t *testing.T) {
	logger, buf := newCaptureLogger()

	EnrichLogger(logger, "evt-1", "ingestion", "ingestion", "").Info("hello")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "evt-1", lines[0]["event_id"])
	assert.Equal(t, "ingestion", lines[0]["channel_id"])
	_, hasQueue := lines[0]["queue_id"]
	assert.False(t, hasQueue, "empty values should be omitted")
}

func TestEnrichLogger_Nil(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "a", "b", "c", "d"))
}

func TestLogHelpers(t *testing.T) {
	logger, buf := newCaptureLogger()
	boom := errors.New("boom")

	LogRouteAccepted(logger, "evt-1", "approval", 2, 1.5)
	LogRouteRejected(logger, "evt-1", "approval", boom)
	LogAudit(logger, "evt-1", "approval", "billing", "trace-9")
	LogAttemptFailed(logger, 1, "transient", boom)
	LogDelivered(logger, 2, 3.0)
	LogDeadLettered(logger, "exhausted", 3, boom)
	LogBestEffortDropped(logger, 1, boom)
	LogFatal(logger, "deadletter", boom)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 8)

	assert.Equal(t, "event accepted", lines[0]["msg"])
	assert.Equal(t, float64(2), lines[0]["channels"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "trace-9", lines[2]["trace_id"])
	assert.Equal(t, "transient", lines[3]["category"])
	assert.Equal(t, "exhausted", lines[5]["reason"])
	assert.Equal(t, "deadletter", lines[7]["operation"])
}

func TestLogHelpers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogRouteAccepted(nil, "", "", 0, 0)
		LogRouteRejected(nil, "", "", errors.New("x"))
		LogDeadLettered(nil, "", 0, nil)
		LogFatal(nil, "", errors.New("x"))
	})
}

func TestTimedOperation(t *testing.T) {
	elapsed := TimedOperation()
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, elapsed(), 2.0)
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(buf, "warn", "json")
	logger.Info("dropped")
	logger.Warn("kept")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])

	buf.Reset()
	NewLogger(buf, "debug", "text").Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
