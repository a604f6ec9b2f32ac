// Package router accepts events, archives them and fans them out to the
// subscriber channels selected by the routing table.
//
// Route archives on the caller's critical path and returns as soon as
// archival completes. Channel deliveries run concurrently on a context
// that ignores the caller's cancellation but ends with the router.
package router

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/eventroute/pkg/eventroute/archive"
	"github.com/randalmurphal/eventroute/pkg/eventroute/channel"
	"github.com/randalmurphal/eventroute/pkg/eventroute/deadletter"
	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/observability"
	"github.com/randalmurphal/eventroute/pkg/eventroute/queue"
	"github.com/randalmurphal/eventroute/pkg/eventroute/registry"
	"github.com/randalmurphal/eventroute/pkg/eventroute/routing"
)

// deadLetterTimeout bounds a router dead-letter write.
const deadLetterTimeout = 10 * time.Second

// replayBatch is how many replayed events may be in delivery at once.
const replayBatch = 256

// Config configures a Router.
type Config struct {
	// Archive stores every accepted event. Required.
	Archive archive.Store

	// DeadLetters receives router-level failures (unroutable channels,
	// panics). Required.
	DeadLetters deadletter.Sink

	// Rules are registered in addition to each channel's default rule.
	Rules []routing.Rule

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder

	// Tracing enables OTel spans through the global tracer provider.
	Tracing bool

	// Spans overrides the span manager chosen by Tracing.
	Spans observability.SpanManager

	// MaxInFlight bounds concurrent queue attempts across all channels.
	// Zero means unbounded.
	MaxInFlight int64

	// OnFatal is called for every *FatalError.
	OnFatal func(error)

	// AuditLog logs every accepted event at debug level.
	AuditLog bool

	// Janitor, when set, runs archive retention in the background for
	// the router's lifetime.
	Janitor *archive.JanitorConfig
}

// routeSet pairs a table snapshot with the channels its rules name.
type routeSet struct {
	rules    *routing.Snapshot
	channels *registry.View[string, *channel.Channel]
}

// Router routes events to channels.
type Router struct {
	archive     archive.Store
	deadLetters deadletter.Sink
	table       *routing.Table
	channels    *registry.Registry[string, *channel.Channel]
	regMu       sync.Mutex // serializes table and registry writers
	routes      atomic.Pointer[routeSet]
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	sem         *semaphore.Weighted
	onFatal     func(error)
	auditLog    bool

	life   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex // guards closed against inflight.Add
	closed   bool
	inflight sync.WaitGroup
	janitor  sync.WaitGroup
}

// New creates a Router. Channels are added with RegisterChannel.
func New(cfg Config) (*Router, error) {
	if cfg.Archive == nil {
		return nil, ErrNoArchive
	}
	if cfg.DeadLetters == nil {
		return nil, ErrNoDeadLetters
	}

	table, err := routing.NewTable(cfg.Rules...)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	r := &Router{
		archive:     cfg.Archive,
		deadLetters: cfg.DeadLetters,
		table:       table,
		channels:    registry.New[string, *channel.Channel](),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		spans:       cfg.Spans,
		onFatal:     cfg.OnFatal,
		auditLog:    cfg.AuditLog,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observability.NoopMetrics{}
	}
	if r.spans == nil {
		if cfg.Tracing {
			r.spans = observability.NewSpanManager()
		} else {
			r.spans = observability.NoopSpanManager{}
		}
	}
	if cfg.MaxInFlight > 0 {
		r.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	r.publishRoutes()
	if err := r.metrics.ObserveQueues(r.QueueStats); err != nil {
		r.logger.Warn("queue gauges unavailable", slog.String("error", err.Error()))
	}

	r.life, r.cancel = context.WithCancel(context.Background())

	if cfg.Janitor != nil {
		jcfg := *cfg.Janitor
		if jcfg.Logger == nil {
			jcfg.Logger = r.logger
		}
		j := archive.NewJanitor(r.archive, jcfg)
		r.janitor.Add(1)
		go func() {
			defer r.janitor.Done()
			j.Run(r.life)
		}()
	}
	return r, nil
}

// Table returns the routing snapshot Route currently uses.
func (r *Router) Table() *routing.Snapshot {
	return r.routes.Load().rules
}

// publishRoutes makes the current table and registry visible to Route as
// one unit. Callers hold regMu or own r exclusively.
func (r *Router) publishRoutes() {
	r.routes.Store(&routeSet{rules: r.table.Snapshot(), channels: r.channels.Snapshot()})
}

// Channel returns the registered channel with id.
func (r *Router) Channel(id string) (*channel.Channel, bool) {
	return r.channels.Get(id)
}

// RegisterChannel adds ch and subscribes it to its event type plus any
// extra rules. Rules without channels are bound to ch. Registering the
// same channel again is a no-op for rules already present.
func (r *Router) RegisterChannel(ch *channel.Channel, rules ...routing.Rule) error {
	if ch == nil {
		return ErrNilChannel
	}

	all := make([]routing.Rule, 0, len(rules)+1)
	all = append(all, routing.Rule{Type: ch.EventType(), Channels: []string{ch.ID()}})
	for _, rule := range rules {
		if len(rule.Channels) == 0 {
			rule.Channels = []string{ch.ID()}
		}
		all = append(all, rule)
	}
	// Nothing changes unless every rule is valid.
	if _, err := routing.NewTable(all...); err != nil {
		return fmt.Errorf("register channel %s: %w", ch.ID(), err)
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	prior := r.table.Snapshot()
	prev, existed := r.channels.Get(ch.ID())
	r.channels.Register(ch.ID(), ch)
	for _, rule := range all {
		if _, err := r.table.Register(rule); err != nil {
			if _, rerr := r.table.Replace(prior.Rules()...); rerr != nil {
				err = errors.Join(err, rerr)
			}
			if existed {
				r.channels.Register(ch.ID(), prev)
			} else {
				r.channels.Delete(ch.ID())
			}
			return fmt.Errorf("register channel %s: %w", ch.ID(), err)
		}
	}
	r.publishRoutes()

	r.logger.Info("channel registered",
		slog.String("channel_id", ch.ID()),
		slog.String("event_type", ch.EventType()),
		slog.Int("queues", len(ch.Queues())),
		slog.Uint64("table_version", r.table.Version()),
	)
	return nil
}

// DeregisterChannel removes the channel's rules and then the channel.
// Deliveries already in flight keep their channel and complete.
func (r *Router) DeregisterChannel(id string) bool {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.table.Deregister(id)
	ok := r.channels.Delete(id)
	r.publishRoutes()
	return ok
}

// Route archives evt and starts delivery to every matched channel. It
// returns once archival completes; use Result.Wait to follow delivery.
//
// A missing id or receive time is stamped. An archival failure returns
// a non-accepted Result and an error wrapping ErrArchive; deliveries
// already started still complete.
func (r *Router) Route(ctx context.Context, evt event.Event) (*Result, error) {
	evt.Type = event.NormalizeType(evt.Type)
	if evt.Type == "" {
		return nil, event.ErrMissingType
	}
	if event.IsCatchAll(evt.Type) {
		return nil, event.ErrCatchAllType
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrRouterClosed
	}
	r.inflight.Add(1)
	r.mu.RUnlock()
	defer r.inflight.Done()

	elapsed := observability.TimedOperation()
	start := time.Now()
	ctx, span := r.spans.StartRouteSpan(ctx, evt.ID, evt.Type)

	// Rules and channels come from one published set for the whole call.
	set := r.routes.Load()
	ids := set.rules.MatchEvent(evt)
	result := newResult(evt.ID, set.rules.Version(), ids)

	dctx, release := r.deliveryContext(ctx)
	var deliveries sync.WaitGroup
	for _, id := range ids {
		ch, ok := set.channels.Get(id)
		deliveries.Add(1)
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			defer deliveries.Done()
			r.deliver(dctx, evt, id, ch, ok, result)
		}()
	}
	go func() {
		deliveries.Wait()
		release()
	}()

	if err := r.archive.Append(ctx, evt); err != nil {
		r.metrics.RecordArchiveFailure(ctx)
		r.metrics.RecordRoute(ctx, evt.Type, false, time.Since(start))
		observability.LogRouteRejected(r.logger, evt.ID, evt.Type, err)
		err = fmt.Errorf("%w: event %s: %w", ErrArchive, evt.ID, err)
		r.spans.EndSpanWithError(span, err)
		return result, err
	}

	result.Accepted = true
	r.metrics.RecordRoute(ctx, evt.Type, true, time.Since(start))
	if r.auditLog {
		observability.LogAudit(r.logger, evt.ID, evt.Type, evt.Source, evt.TraceID)
	}
	observability.LogRouteAccepted(r.logger, evt.ID, evt.Type, len(ids), elapsed())
	r.spans.EndSpanWithError(span, nil)
	return result, nil
}

// deliveryContext keeps ctx's values but replaces its cancellation with
// the router's lifetime.
func (r *Router) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.life, cancel)
	return dctx, func() {
		stop()
		cancel()
	}
}

// deliver publishes evt to one channel and settles its result.
func (r *Router) deliver(ctx context.Context, evt event.Event, id string, ch *channel.Channel, registered bool, result *Result) {
	if !registered {
		cause := fmt.Errorf("%w: %s", ErrUnknownChannel, id)
		if fatal := r.routerDeadLetter(ctx, evt, id, deadletter.ReasonUnroutable, cause); fatal != nil {
			result.finish(id, channel.StatusFatal, fatal)
			return
		}
		result.finish(id, channel.StatusFailed, cause)
		return
	}

	ctx, span := r.spans.StartPublishSpan(ctx, id, evt.ID)
	status, err := r.publish(ctx, evt, ch)
	r.spans.EndSpanWithError(span, err)
	result.finish(id, status, err)
}

// publish runs ch.Publish, turning panics into router dead letters.
func (r *Router) publish(ctx context.Context, evt event.Event, ch *channel.Channel) (status channel.Status, err error) {
	defer func() {
		if p := recover(); p != nil {
			perr := &channel.PanicError{ChannelID: ch.ID(), Value: p, Stack: string(debug.Stack())}
			status, err = channel.StatusFailed, perr
			if fatal := r.routerDeadLetter(ctx, evt, ch.ID(), deadletter.ReasonPanic, perr); fatal != nil {
				status, err = channel.StatusFatal, fatal
			}
		}
	}()

	out := ch.Publish(ctx, evt, channel.WithSemaphore(r.sem))
	status, err = out.Status(), out.Err()

	for _, p := range out.Panics() {
		if fatal := r.routerDeadLetter(ctx, evt, ch.ID(), deadletter.ReasonPanic, p); fatal != nil {
			status, err = channel.StatusFatal, fatal
		}
	}

	if dlErr := out.DeadLetterErr(); dlErr != nil {
		fatal := &FatalError{EventID: evt.ID, ChannelID: ch.ID(), Op: "deadletter", Err: dlErr}
		r.escalate(fatal)
		return channel.StatusFatal, fatal
	}
	return status, err
}

// routerDeadLetter writes a router-level record. A failed write is
// escalated and returned.
func (r *Router) routerDeadLetter(ctx context.Context, evt event.Event, channelID string, reason deadletter.Reason, cause error) *FatalError {
	rec := deadletter.NewRecord(evt, deadletter.RouterChannel, "", reason, 0, cause)
	rec.Category = routeerrors.CategoryPermanent.String()
	logger := observability.EnrichLogger(r.logger, evt.ID, evt.Type, channelID, "")

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()
	if err := r.deadLetters.Record(wctx, rec); err != nil {
		fatal := &FatalError{EventID: evt.ID, ChannelID: channelID, Op: "deadletter", Err: err}
		r.metrics.RecordFatal(ctx, "deadletter")
		observability.LogFatal(logger, "deadletter", err)
		r.escalate(fatal)
		return fatal
	}
	r.metrics.RecordDeadLetter(ctx, deadletter.RouterChannel, string(reason))
	observability.LogDeadLettered(logger, string(reason), 0, cause)
	return nil
}

func (r *Router) escalate(err *FatalError) {
	if r.onFatal != nil {
		r.onFatal(err)
	}
}

// QueueStats reports the backlog of every registered queue that exposes
// queue.Stats.
func (r *Router) QueueStats(ctx context.Context) []observability.QueueStat {
	var out []observability.QueueStat
	r.channels.Range(func(id string, ch *channel.Channel) bool {
		for _, q := range ch.Queues() {
			s, ok := q.(queue.Stats)
			if !ok {
				continue
			}
			stat := observability.QueueStat{ChannelID: id, QueueID: q.ID()}
			if d, err := s.Depth(ctx); err == nil {
				stat.Depth = d
			}
			if a, err := s.OldestAge(ctx); err == nil {
				stat.OldestAge = a
			}
			out = append(out, stat)
		}
		return true
	})
	return out
}

// Drain yields and removes the dead-letter records of channelID.
// deadletter.RouterChannel drains the router's own sink.
func (r *Router) Drain(ctx context.Context, channelID string) iter.Seq2[deadletter.Record, error] {
	if channelID == deadletter.RouterChannel {
		return r.deadLetters.Drain(ctx, channelID)
	}
	ch, ok := r.channels.Get(channelID)
	if !ok {
		return failed[deadletter.Record](fmt.Errorf("%w: %s", ErrUnknownChannel, channelID))
	}
	if ch.DeadLetters() == nil {
		return failed[deadletter.Record](fmt.Errorf("channel %s: %w", channelID, channel.ErrNoDeadLetterSink))
	}
	return ch.DeadLetters().Drain(ctx, channelID)
}

// Replay yields archived events in rng.
func (r *Router) Replay(ctx context.Context, rng archive.Range) iter.Seq2[event.Event, error] {
	return r.archive.Replay(ctx, rng)
}

// ReplayInto routes every archived event in rng through the current
// table. Archive appends are idempotent, so nothing is archived twice.
// It waits for the deliveries it started and returns how many events
// were routed.
func (r *Router) ReplayInto(ctx context.Context, rng archive.Range) (int, error) {
	var pending []*Result
	wait := func() error {
		for _, res := range pending {
			if err := res.Wait(ctx); err != nil {
				return err
			}
		}
		pending = pending[:0]
		return nil
	}

	n := 0
	for evt, err := range r.archive.Replay(ctx, rng) {
		if err != nil {
			return n, err
		}
		res, err := r.Route(ctx, evt)
		if err != nil {
			return n, err
		}
		n++
		if pending = append(pending, res); len(pending) == replayBatch {
			if err := wait(); err != nil {
				return n, err
			}
		}
	}
	return n, wait()
}

// Close stops accepting events, aborts pending retries and waits for
// in-flight deliveries or ctx. Aborted deliveries leave no dead-letter
// record. Stores and sinks stay open; they belong to the caller.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		r.janitor.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failed[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}
