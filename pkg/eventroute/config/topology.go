package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/queue"
	"github.com/randalmurphal/eventroute/pkg/eventroute/routing"
)

// ErrInvalidTopology wraps every topology validation failure.
var ErrInvalidTopology = errors.New("config: invalid topology")

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverBolt      = "bolt"
	DriverRedis     = "redis"
	DriverJetStream = "jetstream"
	DriverWebhook   = "webhook"
)

// Projections selectable per channel.
const (
	ProjectionEvent          = "event"
	ProjectionInvoiceSummary = "invoice_summary"
)

// Metrics exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTel       = "otel"
	ExporterNone       = "none"
)

// Topology is the decoded router deployment.
type Topology struct {
	Router      RouterSettings
	Archive     StoreSettings
	DeadLetters StoreSettings
	Channels    []ChannelSpec
	Rules       []routing.Rule
	Logging     LoggingSettings
	Metrics     MetricsSettings
	Gateway     GatewaySettings
}

// RouterSettings is the `router` section.
type RouterSettings struct {
	MaxInFlight    int64
	AttemptTimeout time.Duration
	AuditLog       bool
	Tracing        bool
}

// StoreSettings is the `archive` or `dead_letters` section.
type StoreSettings struct {
	Driver string
	Path   string
	URL    string

	// Retention and JanitorInterval apply to archives only.
	Retention       time.Duration
	JanitorInterval time.Duration
}

// ChannelSpec is one entry of `channels`.
type ChannelSpec struct {
	ID         string
	Type       string
	BestEffort bool
	Projection string
	Retry      routeerrors.RetryPolicy
	Queues     []QueueSpec
}

// QueueSpec is one entry of a channel's `queues`.
type QueueSpec struct {
	ID     string
	Driver string
	URL    string

	// Memory queues.
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	Capacity          int

	// Redis queues.
	Key    string
	MaxLen int64

	// JetStream queues.
	Subject string
	Stream  string
	Ensure  bool

	// Webhook queues.
	Timeout time.Duration
}

// LoggingSettings is the `logging` section.
type LoggingSettings struct {
	Level  string
	Format string
}

// MetricsSettings is the `metrics` section.
type MetricsSettings struct {
	// Exporter is "prometheus", "otel" or "none".
	Exporter string
	Listen   string
}

// GatewaySettings is the `gateway` section.
type GatewaySettings struct {
	Listen string
}

// Decode reads a Topology from cfg, applying defaults and validating it.
// All validation problems are reported together.
func Decode(cfg Config) (Topology, error) {
	rc := cfg.Section("router")
	t := Topology{
		Router: RouterSettings{
			MaxInFlight:    rc.Int64("max_in_flight", 0),
			AttemptTimeout: rc.Duration("attempt_timeout", routeerrors.DefaultRetry.AttemptTimeout),
			AuditLog:       rc.Bool("audit_log", false),
			Tracing:        rc.Bool("tracing", false),
		},
		Archive:     decodeStore(cfg.Section("archive")),
		DeadLetters: decodeStore(cfg.Section("dead_letters")),
		Logging: LoggingSettings{
			Level:  cfg.Section("logging").String("level", "info"),
			Format: cfg.Section("logging").String("format", "json"),
		},
		Metrics: MetricsSettings{
			Exporter: cfg.Section("metrics").String("exporter", ExporterNone),
			Listen:   cfg.Section("metrics").String("listen", ":9090"),
		},
		Gateway: GatewaySettings{
			Listen: cfg.Section("gateway").String("listen", ":8080"),
		},
	}

	var errs []error
	for _, s := range []struct {
		name    string
		st      StoreSettings
		drivers []string
	}{
		{"archive", t.Archive, archiveDrivers},
		{"dead_letters", t.DeadLetters, deadLetterDrivers},
	} {
		if err := validateStore(s.st, s.drivers); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	seen := map[string]bool{}
	for i, cc := range cfg.Sections("channels") {
		spec := decodeChannel(cc, t.Router.AttemptTimeout)
		if spec.ID == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: missing id", i))
			continue
		}
		if seen[spec.ID] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate id %q", i, spec.ID))
			continue
		}
		seen[spec.ID] = true
		if err := validateChannel(spec); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", spec.ID, err))
		}
		t.Channels = append(t.Channels, spec)
	}

	for i, rc := range cfg.Sections("rules") {
		rule := routing.Rule{
			Type:     rc.String("type", ""),
			Channels: rc.StringSlice("channels", nil),
			Filter:   rc.String("filter", ""),
		}
		if _, err := routing.NewTable(rule); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		t.Rules = append(t.Rules, rule)
	}

	switch t.Metrics.Exporter {
	case ExporterPrometheus, ExporterOTel, ExporterNone:
	default:
		errs = append(errs, fmt.Errorf("metrics: unknown exporter %q", t.Metrics.Exporter))
	}

	if len(errs) > 0 {
		return Topology{}, fmt.Errorf("%w: %w", ErrInvalidTopology, errors.Join(errs...))
	}
	return t, nil
}

func decodeStore(c Config) StoreSettings {
	return StoreSettings{
		Driver:          c.String("driver", DriverMemory),
		Path:            c.String("path", ""),
		URL:             c.String("url", ""),
		Retention:       c.Duration("retention", 0),
		JanitorInterval: c.Duration("janitor_interval", 0),
	}
}

// Drivers each store accepts.
var (
	archiveDrivers    = []string{DriverMemory, DriverSQLite, DriverBolt}
	deadLetterDrivers = []string{DriverMemory, DriverSQLite, DriverRedis}
)

func validateStore(s StoreSettings, drivers []string) error {
	if !slices.Contains(drivers, s.Driver) {
		return fmt.Errorf("unknown driver %q (want one of %s)", s.Driver, strings.Join(drivers, ", "))
	}
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite, DriverBolt:
		if s.Path == "" {
			return fmt.Errorf("driver %s requires path", s.Driver)
		}
	case DriverRedis:
		if s.URL == "" {
			return fmt.Errorf("driver %s requires url", s.Driver)
		}
	}
	return nil
}

func decodeChannel(c Config, attemptTimeout time.Duration) ChannelSpec {
	id := c.String("id", "")
	typ := c.String("type", id)
	spec := ChannelSpec{
		ID:         id,
		Type:       typ,
		BestEffort: c.Bool("best_effort", event.IsCatchAll(typ)),
		Projection: c.String("projection", ProjectionEvent),
		Retry:      decodeRetry(c.Section("retry"), attemptTimeout),
	}
	for _, qc := range c.Sections("queues") {
		spec.Queues = append(spec.Queues, QueueSpec{
			ID:                qc.String("id", ""),
			Driver:            qc.String("driver", DriverMemory),
			URL:               qc.String("url", ""),
			VisibilityTimeout: qc.Duration("visibility_timeout", queue.DefaultMemoryQueueConfig.VisibilityTimeout),
			MaxReceiveCount:   qc.Int("max_receive_count", queue.DefaultMemoryQueueConfig.MaxReceiveCount),
			Capacity:          qc.Int("capacity", 0),
			Key:               qc.String("key", ""),
			MaxLen:            qc.Int64("max_len", 0),
			Subject:           qc.String("subject", ""),
			Stream:            qc.String("stream", "EVENTROUTE"),
			Ensure:            qc.Bool("ensure", false),
			Timeout:           qc.Duration("timeout", 10*time.Second),
		})
	}
	return spec
}

func decodeRetry(c Config, attemptTimeout time.Duration) routeerrors.RetryPolicy {
	d := routeerrors.DefaultRetry
	return routeerrors.NewRetryPolicy(
		routeerrors.WithMaxAttempts(c.Int("max_attempts", d.MaxAttempts)),
		routeerrors.WithInitialBackoff(c.Duration("initial_backoff", d.InitialBackoff)),
		routeerrors.WithMaxBackoff(c.Duration("max_backoff", d.MaxBackoff)),
		routeerrors.WithBackoffFactor(c.Float("backoff_factor", d.BackoffFactor)),
		routeerrors.WithJitter(c.Float("jitter", d.Jitter)),
		routeerrors.WithMaxEventAge(c.Duration("max_event_age", 0)),
		routeerrors.WithAttemptTimeout(c.Duration("attempt_timeout", attemptTimeout)),
	)
}

func validateChannel(spec ChannelSpec) error {
	var errs []error
	if event.NormalizeType(spec.Type) == "" {
		errs = append(errs, errors.New("missing type"))
	}
	if spec.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	switch spec.Projection {
	case ProjectionEvent, ProjectionInvoiceSummary:
	default:
		errs = append(errs, fmt.Errorf("unknown projection %q", spec.Projection))
	}

	ids := map[string]bool{}
	for i, q := range spec.Queues {
		if q.ID == "" {
			errs = append(errs, fmt.Errorf("queues[%d]: missing id", i))
			continue
		}
		if ids[q.ID] {
			errs = append(errs, fmt.Errorf("queues[%d]: duplicate id %q", i, q.ID))
		}
		ids[q.ID] = true
		switch q.Driver {
		case DriverMemory:
		case DriverRedis, DriverJetStream, DriverWebhook:
			if q.URL == "" {
				errs = append(errs, fmt.Errorf("queue %s: driver %s requires url", q.ID, q.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("queue %s: unknown driver %q", q.ID, q.Driver))
		}
	}
	return errors.Join(errs...)
}
