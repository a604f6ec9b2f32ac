package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventroute/pkg/eventroute/config"
	"github.com/randalmurphal/eventroute/pkg/eventroute/gateway"
	"github.com/randalmurphal/eventroute/pkg/eventroute/observability"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion gateway and router",
	RunE: func(cmd *cobra.Command, _ []string) error {
		t, logger, err := loadTopology()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), t, logger)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-flight deliveries on shutdown")
}

func serve(parent context.Context, t config.Topology, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metrics    observability.MetricsRecorder = observability.NoopMetrics{}
		registerer prometheus.Registerer
		servers    []*http.Server
	)
	switch t.Metrics.Exporter {
	case config.ExporterPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewPrometheusMetrics(reg)
		registerer = reg

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{Addr: t.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	case config.ExporterOTel:
		metrics = observability.NewMetricsRecorder()
	}

	rt, err := config.Build(ctx, t, config.BuildOptions{
		Logger:  logger,
		Metrics: metrics,
		OnFatal: func(err error) {
			logger.Error("fatal delivery failure", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		return err
	}

	handler := gateway.New(rt.Router, gateway.Config{Logger: logger, Registerer: registerer})
	servers = append(servers, &http.Server{
		Addr:              t.Gateway.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	})

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		logger.Info("listening", slog.String("addr", srv.Addr))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	stop()

	logger.Info("shutdown_start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	closeErr := rt.Close(shutdownCtx)
	logger.Info("shutdown_done")

	return errors.Join(serveErr, closeErr)
}
