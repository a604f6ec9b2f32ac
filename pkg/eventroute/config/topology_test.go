package config_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventroute/pkg/eventroute/config"
	"github.com/randalmurphal/eventroute/pkg/eventroute/deadletter"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/queue"
)

const topologyYAML = `
router: {max_in_flight: 16, attempt_timeout: 2s, audit_log: true}
archive: {driver: memory}
dead_letters: {driver: memory}
channels:
  - id: ingestion
    type: ingestion
    retry: {max_attempts: 5, initial_backoff: 10ms, max_event_age: 1h}
    queues:
      - {id: ingestion-consumer}
  - id: ALL
    type: "*"
    projection: invoice_summary
    queues: [{id: dashboard, visibility_timeout: 10s, max_receive_count: 5}]
rules:
  - {type: posting, channels: [ingestion], filter: "detail.amount > 0"}
logging: {level: debug, format: text}
metrics: {exporter: prometheus, listen: ":9100"}
`

func decode(t *testing.T, doc string) (config.Topology, error) {
	t.Helper()
	cfg, err := config.FromYAML([]byte(doc))
	require.NoError(t, err)
	return config.Decode(cfg)
}

func TestDecode(t *testing.T) {
	topo, err := decode(t, topologyYAML)
	require.NoError(t, err)

	assert.Equal(t, int64(16), topo.Router.MaxInFlight)
	assert.True(t, topo.Router.AuditLog)
	assert.Equal(t, "debug", topo.Logging.Level)
	assert.Equal(t, "prometheus", topo.Metrics.Exporter)
	assert.Equal(t, ":9100", topo.Metrics.Listen)
	assert.Equal(t, ":8080", topo.Gateway.Listen)

	require.Len(t, topo.Channels, 2)
	ing := topo.Channels[0]
	assert.Equal(t, 5, ing.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, ing.Retry.InitialBackoff)
	assert.Equal(t, time.Hour, ing.Retry.MaxEventAge)
	assert.Equal(t, 2*time.Second, ing.Retry.AttemptTimeout, "router attempt_timeout is the channel default")
	assert.False(t, ing.BestEffort)
	assert.Equal(t, queue.DefaultMemoryQueueConfig.VisibilityTimeout, ing.Queues[0].VisibilityTimeout)

	all := topo.Channels[1]
	assert.True(t, all.BestEffort, "catch-all channels default to best effort")
	assert.Equal(t, config.ProjectionInvoiceSummary, all.Projection)
	assert.Equal(t, 5, all.Queues[0].MaxReceiveCount)

	require.Len(t, topo.Rules, 1)
	assert.Equal(t, "detail.amount > 0", topo.Rules[0].Filter)
}

func TestDecode_ReportsAllProblems(t *testing.T) {
	_, err := decode(t, `
archive: {driver: sqlite}
dead_letters: {driver: cassandra}
channels:
  - {type: posting}
  - id: a
    projection: xml
    queues: [{id: q, driver: redis}, {id: q}]
  - {id: a}
rules:
  - {type: posting}
metrics: {exporter: statsd}
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidTopology)
	for _, want := range []string{
		"archive: driver sqlite requires path",
		`dead_letters: unknown driver "cassandra"`,
		"channels[0]: missing id",
		`unknown projection "xml"`,
		"driver redis requires url",
		`duplicate id "q"`,
		`channels[2]: duplicate id "a"`,
		"rules[0]",
		`unknown exporter "statsd"`,
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestDecode_StoreDriversPerRole(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"redis archive", `archive: {driver: redis, url: "redis://localhost:6379"}`, `archive: unknown driver "redis"`},
		{"bolt dead letters", `dead_letters: {driver: bolt, path: /tmp/dl.db}`, `dead_letters: unknown driver "bolt"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(t, tt.doc)
			assert.ErrorIs(t, err, config.ErrInvalidTopology)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := decode(t, `
archive: {driver: bolt, path: /tmp/archive.db}
dead_letters: {driver: redis, url: "redis://localhost:6379"}
`)
	assert.NoError(t, err)
}

func TestBuild_MemoryTopology(t *testing.T) {
	topo, err := decode(t, topologyYAML)
	require.NoError(t, err)

	rt, err := config.Build(context.Background(), topo, config.BuildOptions{})
	require.NoError(t, err)
	defer rt.Close(context.Background())

	ch, ok := rt.Router.Channel("ALL")
	require.True(t, ok)
	assert.True(t, ch.BestEffort())
	assert.Equal(t, event.TypeAll, ch.EventType())

	evt := event.MustNew(event.TypeIngestion, "/ingestion", map[string]any{"invoiceId": "INV-1"}, event.WithID("e1"))
	res, err := rt.Router.Route(context.Background(), evt)
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))
	assert.ElementsMatch(t, []string{"ingestion", "ALL"}, res.ChannelIDs())

	dash := ch.Queues()[0].(*queue.MemoryQueue)
	d, err := dash.Receive(context.Background())
	require.NoError(t, err)
	var summary event.InvoiceSummary
	require.NoError(t, json.Unmarshal(d.Message.Body, &summary))
	assert.Equal(t, "INV-1", summary.InvoiceID)
}

func TestBuild_DurableAndNetworkDrivers(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	var mu sync.Mutex
	var hooks []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hooks = append(hooks, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	doc := `
archive: {driver: bolt, path: ` + filepath.Join(dir, "events.bolt") + `}
dead_letters: {driver: redis, url: redis://` + mr.Addr() + `}
channels:
  - id: posting
    queues:
      - {id: redis-consumer, driver: redis, url: redis://` + mr.Addr() + `}
      - {id: hook, driver: webhook, url: ` + srv.URL + `}
  - id: approval
    queues:
      - {id: broken, driver: redis, url: redis://` + mr.Addr() + `, key: "wrong"}
    retry: {max_attempts: 1}
`
	topo, err := decode(t, doc)
	require.NoError(t, err)

	// A key of the wrong type is a permanent failure.
	mr.Set("wrong", "string-value")

	rt, err := config.Build(context.Background(), topo, config.BuildOptions{})
	require.NoError(t, err)
	defer rt.Close(context.Background())

	res, err := rt.Router.Route(context.Background(), event.MustNew(event.TypePosting, "/posting", nil, event.WithID("p1")))
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))

	n, err := rt.Archive.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := mr.List(queue.RedisKeyPrefix + "redis-consumer")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	mu.Lock()
	assert.Equal(t, []string{"p1"}, hooks)
	mu.Unlock()

	res, err = rt.Router.Route(context.Background(), event.MustNew("approval", "/approval", nil, event.WithID("a1")))
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))

	var records []deadletter.Record
	for r, err := range rt.Router.Drain(context.Background(), "approval") {
		require.NoError(t, err)
		records = append(records, r)
	}
	require.Len(t, records, 1)
	assert.Equal(t, deadletter.ReasonPermanent, records[0].Reason)
}

func TestBuild_ReleasesOnError(t *testing.T) {
	topo := config.Topology{
		Archive:     config.StoreSettings{Driver: config.DriverMemory},
		DeadLetters: config.StoreSettings{Driver: config.DriverMemory},
		Channels: []config.ChannelSpec{{
			ID: "x", Type: "x",
			Queues: []config.QueueSpec{{ID: "q", Driver: "carrier-pigeon"}},
		}},
	}
	_, err := config.Build(context.Background(), topo, config.BuildOptions{})
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestOpenArchive(t *testing.T) {
	store, err := config.OpenArchive(config.StoreSettings{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "a.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = config.OpenArchive(config.StoreSettings{Driver: "tape"})
	assert.Error(t, err)
}
