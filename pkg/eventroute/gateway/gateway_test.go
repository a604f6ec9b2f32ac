package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventroute/pkg/eventroute/archive"
	"github.com/randalmurphal/eventroute/pkg/eventroute/deadletter"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/gateway"
	"github.com/randalmurphal/eventroute/pkg/eventroute/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newGateway(t *testing.T, cfg gateway.Config) (http.Handler, *archive.MemoryStore) {
	t.Helper()
	store := archive.NewMemoryStore()
	r, err := router.New(router.Config{Archive: store, DeadLetters: deadletter.NewMemorySink(), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	cfg.Logger = testLogger()
	return gateway.New(r, cfg), store
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngest_Accepted(t *testing.T) {
	h, store := newGateway(t, gateway.Config{})

	rec := post(t, h, "/ingestion", `{"invoiceId":"INV-1"}`, map[string]string{
		gateway.HeaderCorrelationID: "corr-1",
		gateway.HeaderRegion:        "us-east-1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp gateway.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "corr-1", resp.TraceID)
	assert.NotEmpty(t, rec.Header().Get(gateway.HeaderRequestID))

	evt, err := store.Get(context.Background(), resp.EventID)
	require.NoError(t, err)
	assert.Equal(t, event.TypeIngestion, evt.Type)
	assert.Equal(t, "/ingestion", evt.Source)
	assert.Equal(t, "us-east-1", evt.Region)
	assert.JSONEq(t, `{"invoiceId":"INV-1"}`, string(evt.Payload))
}

func TestIngest_TraceIDFallbacks(t *testing.T) {
	h, _ := newGateway(t, gateway.Config{})

	rec := post(t, h, "/posting", `{}`, map[string]string{gateway.HeaderRequestID: "req-7"})
	var resp gateway.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-7", resp.TraceID)

	rec = post(t, h, "/posting", `{}`, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TraceID)
	assert.Equal(t, rec.Header().Get(gateway.HeaderRequestID), resp.TraceID)
}

func TestIngest_Rejections(t *testing.T) {
	h, _ := newGateway(t, gateway.Config{MaxBodyBytes: 32})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown type", "/refunds", `{}`, http.StatusNotFound},
		{"catch-all is not a type", "/ALL", `{}`, http.StatusNotFound},
		{"invalid json", "/posting", `{"a":`, http.StatusBadRequest},
		{"empty body", "/posting", ``, http.StatusBadRequest},
		{"too large", "/posting", `{"pad":"` + strings.Repeat("x", 64) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/posting", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type rejectingRouter struct{ err error }

func (r rejectingRouter) Route(context.Context, event.Event) (*router.Result, error) {
	return nil, r.err
}

func TestIngest_ArchiveFailureIs503(t *testing.T) {
	h := gateway.New(rejectingRouter{err: errors.Join(router.ErrArchive, errors.New("disk full"))}, gateway.Config{Logger: testLogger()})
	rec := post(t, h, "/posting", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = gateway.New(rejectingRouter{err: router.ErrRouterClosed}, gateway.Config{Logger: testLogger()})
	rec = post(t, h, "/posting", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngest_CustomTypes(t *testing.T) {
	h, _ := newGateway(t, gateway.Config{Types: []string{"approval"}})
	assert.Equal(t, http.StatusAccepted, post(t, h, "/approval", `{}`, nil).Code)
	assert.Equal(t, http.StatusNotFound, post(t, h, "/ingestion", `{}`, nil).Code)
}

func TestHealthz(t *testing.T) {
	h, _ := newGateway(t, gateway.Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, _ := newGateway(t, gateway.Config{Registerer: reg})

	post(t, h, "/posting", `{}`, nil)
	post(t, h, "/posting", `{}`, nil)

	n, err := testutil.GatherAndCount(reg, "eventroute_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var buf bytes.Buffer
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		buf.WriteString(f.String())
	}
	assert.Contains(t, buf.String(), "POST /{type}")
}
