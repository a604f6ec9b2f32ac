package archive

import (
	"context"
	"log/slog"
	"time"
)

// JanitorConfig configures background retention expiry.
type JanitorConfig struct {
	// Retention is how long events are kept. Defaults to DefaultRetention.
	Retention time.Duration

	// Interval is how often expiry runs. Defaults to one hour.
	Interval time.Duration

	// Logger receives expiry results. Defaults to slog.Default().
	Logger *slog.Logger

	// OnExpire, if set, is called with the number of events removed.
	OnExpire func(n int)
}

// Janitor periodically expires archived events past retention. It runs
// off the routing path.
type Janitor struct {
	store Store
	cfg   JanitorConfig
	now   func() time.Time
}

// NewJanitor creates a janitor for store.
func NewJanitor(store Store, cfg JanitorConfig) *Janitor {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{store: store, cfg: cfg, now: time.Now}
}

// RunOnce expires everything older than the retention window.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.cfg.Retention)
	n, err := j.store.Expire(ctx, cutoff)
	if err != nil {
		j.cfg.Logger.Error("archive expiry failed",
			slog.Time("cutoff", cutoff),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	if n > 0 {
		j.cfg.Logger.Info("archive expired events",
			slog.Int("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	if j.cfg.OnExpire != nil {
		j.cfg.OnExpire(n)
	}
	return n, nil
}

// Run expires immediately and then every Interval until ctx ends.
// Expiry errors are logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		_, _ = j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
