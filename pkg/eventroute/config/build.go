package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/eventroute/pkg/eventroute/archive"
	"github.com/randalmurphal/eventroute/pkg/eventroute/channel"
	"github.com/randalmurphal/eventroute/pkg/eventroute/deadletter"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/observability"
	"github.com/randalmurphal/eventroute/pkg/eventroute/queue"
	"github.com/randalmurphal/eventroute/pkg/eventroute/router"
)

// Runtime is a router assembled from a Topology together with the
// stores, sinks and connections it owns.
type Runtime struct {
	Router      *router.Router
	Archive     archive.Store
	DeadLetters deadletter.Sink

	closers []func() error
}

// Close shuts the router down and releases every owned resource in
// reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Router != nil {
		errs = append(errs, rt.Router.Close(ctx))
	}
	for _, c := range slices.Backward(rt.closers) {
		errs = append(errs, c())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) own(closer func() error) {
	rt.closers = append(rt.closers, closer)
}

// BuildOptions supplies the ambient dependencies of Build.
type BuildOptions struct {
	Logger     *slog.Logger
	Metrics    observability.MetricsRecorder
	HTTPClient *http.Client
	OnFatal    func(error)
}

// Build opens the stores and queues t describes and registers its
// channels and rules on a new router. On error everything already
// opened is released.
func Build(ctx context.Context, t Topology, opts BuildOptions) (_ *Runtime, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rt := &Runtime{}
	b := &builder{rt: rt, opts: opts, redis: map[string]*redis.Client{}, js: map[string]jetstream.JetStream{}}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	if rt.Archive, err = b.openArchive(t.Archive); err != nil {
		return nil, err
	}
	if rt.DeadLetters, err = b.openDeadLetters(t.DeadLetters); err != nil {
		return nil, err
	}

	rcfg := router.Config{
		Archive:     rt.Archive,
		DeadLetters: rt.DeadLetters,
		Rules:       t.Rules,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Tracing:     t.Router.Tracing,
		MaxInFlight: t.Router.MaxInFlight,
		OnFatal:     opts.OnFatal,
		AuditLog:    t.Router.AuditLog,
	}
	if t.Archive.Retention > 0 || t.Archive.Driver != DriverMemory {
		rcfg.Janitor = &archive.JanitorConfig{
			Retention: t.Archive.Retention,
			Interval:  t.Archive.JanitorInterval,
			Logger:    opts.Logger,
		}
	}
	if rt.Router, err = router.New(rcfg); err != nil {
		return nil, err
	}

	for _, spec := range t.Channels {
		ch, err := b.channel(ctx, spec, rt.DeadLetters)
		if err != nil {
			return nil, err
		}
		if err := rt.Router.RegisterChannel(ch); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

type builder struct {
	rt    *Runtime
	opts  BuildOptions
	redis map[string]*redis.Client
	js    map[string]jetstream.JetStream
}

// OpenArchive opens the archive store s describes. The caller closes it.
func OpenArchive(s StoreSettings) (archive.Store, error) {
	switch s.Driver {
	case DriverMemory, "":
		return archive.NewMemoryStore(), nil
	case DriverSQLite:
		return archive.NewSQLiteStore(s.Path)
	case DriverBolt:
		return archive.NewBoltStore(s.Path)
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", s.Driver)
	}
}

func (b *builder) openArchive(s StoreSettings) (archive.Store, error) {
	store, err := OpenArchive(s)
	if err != nil {
		return nil, err
	}
	b.rt.own(store.Close)
	return store, nil
}

func (b *builder) openDeadLetters(s StoreSettings) (deadletter.Sink, error) {
	var (
		sink deadletter.Sink
		err  error
	)
	switch s.Driver {
	case DriverMemory, "":
		sink = deadletter.NewMemorySink()
	case DriverSQLite:
		sink, err = deadletter.NewSQLiteSink(s.Path)
	case DriverRedis:
		var client *redis.Client
		if client, err = b.redisClient(s.URL); err == nil {
			sink = deadletter.NewRedisSink(client)
		}
	default:
		err = fmt.Errorf("dead_letters: unsupported driver %q", s.Driver)
	}
	if err != nil {
		return nil, err
	}
	b.rt.own(sink.Close)
	return sink, nil
}

func (b *builder) channel(ctx context.Context, spec ChannelSpec, sink deadletter.Sink) (*channel.Channel, error) {
	cfg := channel.Config{
		ID:          spec.ID,
		EventType:   spec.Type,
		Policy:      spec.Retry,
		DeadLetters: sink,
		BestEffort:  spec.BestEffort,
		Logger:      b.opts.Logger,
		Metrics:     b.opts.Metrics,
	}
	if spec.Projection == ProjectionInvoiceSummary {
		cfg.Projection = event.Summary
	}
	for _, qs := range spec.Queues {
		q, err := b.queue(ctx, spec.ID, qs)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", spec.ID, err)
		}
		cfg.Queues = append(cfg.Queues, q)
	}
	return channel.New(cfg)
}

func (b *builder) queue(ctx context.Context, channelID string, s QueueSpec) (queue.Queue, error) {
	switch s.Driver {
	case DriverMemory, "":
		q := queue.NewMemoryQueue(s.ID, queue.MemoryQueueConfig{
			VisibilityTimeout: s.VisibilityTimeout,
			MaxReceiveCount:   s.MaxReceiveCount,
			Capacity:          s.Capacity,
		})
		b.rt.own(q.Close)
		return q, nil

	case DriverRedis:
		client, err := b.redisClient(s.URL)
		if err != nil {
			return nil, err
		}
		var qopts []queue.RedisQueueOption
		if s.Key != "" {
			qopts = append(qopts, queue.WithKey(s.Key))
		}
		if s.MaxLen > 0 {
			qopts = append(qopts, queue.WithMaxLen(s.MaxLen))
		}
		return queue.NewRedisQueue(s.ID, client, qopts...), nil

	case DriverJetStream:
		js, err := b.jetStream(s.URL)
		if err != nil {
			return nil, err
		}
		subject := s.Subject
		if subject == "" {
			subject = queue.Subject(channelID, s.ID)
		}
		if s.Ensure {
			stream, err := queue.EnsureStream(ctx, js, queue.DefaultStreamConfig(s.Stream))
			if err != nil {
				return nil, err
			}
			cc := queue.DefaultConsumerConfig(channelID, s.ID)
			cc.FilterSubject = subject
			cc.AckWait = s.VisibilityTimeout
			cc.MaxDeliver = s.MaxReceiveCount
			if _, err := queue.EnsureConsumer(ctx, stream, cc); err != nil {
				return nil, err
			}
		}
		return queue.NewJetStreamQueue(s.ID, channelID, subject, js), nil

	case DriverWebhook:
		client := b.opts.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: s.Timeout}
		}
		return queue.NewWebhookQueue(s.ID, s.URL, client), nil

	default:
		return nil, fmt.Errorf("queue %s: unsupported driver %q", s.ID, s.Driver)
	}
}

// redisClient returns one shared client per URL.
func (b *builder) redisClient(url string) (*redis.Client, error) {
	if c, ok := b.redis[url]; ok {
		return c, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	b.redis[url] = c
	b.rt.own(c.Close)
	return c, nil
}

// jetStream returns one shared JetStream handle per URL.
func (b *builder) jetStream(url string) (jetstream.JetStream, error) {
	if js, ok := b.js[url]; ok {
		return js, nil
	}
	cfg := queue.DefaultNATSConfig()
	cfg.URL = url
	conn, js, err := queue.ConnectJetStream(cfg)
	if err != nil {
		return nil, err
	}
	b.js[url] = js
	b.rt.own(func() error {
		return conn.Drain()
	})
	return js, nil
}
