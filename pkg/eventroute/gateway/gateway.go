// Package gateway exposes event ingestion over HTTP.
//
// Each event type has its own route, POST /{type}. The request body is
// the event payload, the source is the request path and the trace id is
// taken from X-Correlation-Id or X-Request-Id, or generated.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/router"
)

// Headers read from ingestion requests.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderRequestID     = "X-Request-Id"
	HeaderDetailType    = "X-Detail-Type"
	HeaderRegion        = "X-Region"
	HeaderAccount       = "X-Account"
)

// DefaultMaxBodyBytes bounds an ingested payload.
const DefaultMaxBodyBytes = 1 << 20

// Router is the part of router.Router the gateway needs.
type Router interface {
	Route(ctx context.Context, evt event.Event) (*router.Result, error)
}

// Config configures a Handler.
type Config struct {
	// Types are the accepted event types. Defaults to event.KnownTypes.
	Types []string

	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer, when set, receives HTTP request metrics.
	Registerer prometheus.Registerer
}

// Response is the body of an accepted ingestion.
type Response struct {
	EventID  string   `json:"eventId"`
	TraceID  string   `json:"traceId"`
	Channels []string `json:"channels"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New returns the gateway handler wrapped in request-id, access-log and
// (optionally) metrics middleware.
func New(r Router, cfg Config) http.Handler {
	if len(cfg.Types) == 0 {
		cfg.Types = event.KnownTypes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &ingest{router: r, types: cfg.Types, maxBody: cfg.MaxBodyBytes, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.Handle("POST /{type}", h)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	if cfg.Registerer != nil {
		handler = NewMetrics(cfg.Registerer).Middleware(handler)
	}
	handler = AccessLog(cfg.Logger)(handler)
	handler = RequestID(handler)
	return handler
}

type ingest struct {
	router  Router
	types   []string
	maxBody int64
	logger  *slog.Logger
}

func (h *ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	typ := event.NormalizeType(r.PathValue("type"))
	if !slices.Contains(h.types, typ) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown event type"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body"})
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payload must be a JSON document"})
		return
	}

	opts := []event.Option{event.WithTraceID(traceID(r))}
	if dt := strings.TrimSpace(r.Header.Get(HeaderDetailType)); dt != "" {
		opts = append(opts, event.WithDetailType(dt))
	}
	if region := strings.TrimSpace(r.Header.Get(HeaderRegion)); region != "" {
		opts = append(opts, event.WithRegion(region))
	}
	if account := strings.TrimSpace(r.Header.Get(HeaderAccount)); account != "" {
		opts = append(opts, event.WithAccount(account))
	}

	evt, err := event.New(typ, r.URL.Path, json.RawMessage(body), opts...)
	if err == nil {
		err = evt.Validate()
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := h.router.Route(r.Context(), evt)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrArchive), errors.Is(err, router.ErrRouterClosed):
		h.logger.Error("ingest rejected",
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event not accepted"})
		return
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, Response{EventID: evt.ID, TraceID: evt.TraceID, Channels: res.ChannelIDs()})
}

// traceID prefers the caller's correlation id, then its request id.
func traceID(r *http.Request) string {
	for _, h := range []string{HeaderCorrelationID, HeaderRequestID} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	if v := GetRequestID(r.Context()); v != "" {
		return v
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
