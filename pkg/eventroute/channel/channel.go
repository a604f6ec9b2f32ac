// Package channel delivers events to the consumer queues of one
// subscriber channel.
//
// Every bound queue gets its own goroutine with its own attempt counter
// and backoff, so a broken queue never delays a healthy one. Failures
// that outlive the retry policy are written to the channel's dead-letter
// sink exactly once; best-effort channels log and drop them instead.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/eventroute/pkg/eventroute/deadletter"
	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/observability"
	"github.com/randalmurphal/eventroute/pkg/eventroute/queue"
)

// Sentinel errors.
var (
	// ErrNoDeadLetterSink is returned by New for a channel that is not
	// best-effort and has nowhere to put failed deliveries.
	ErrNoDeadLetterSink = errors.New("channel: dead-letter sink required")

	// ErrMissingID is returned by New when Config.ID is empty.
	ErrMissingID = errors.New("channel: id required")

	// ErrDuplicateQueue is returned by New when two queues share an id.
	ErrDuplicateQueue = errors.New("channel: duplicate queue id")
)

// deadLetterTimeout bounds a dead-letter write. The write outlives
// caller cancellation so a finished failure is never lost.
const deadLetterTimeout = 10 * time.Second

// Config configures a Channel.
type Config struct {
	// ID names the channel. Rules reference channels by ID.
	ID string

	// EventType is the type the channel subscribes to when registered
	// without explicit rules. Defaults to ID.
	EventType string

	// Policy is the per-queue retry policy. Zero value means
	// routeerrors.DefaultRetry.
	Policy routeerrors.RetryPolicy

	// AttemptTimeout overrides Policy.AttemptTimeout when positive.
	AttemptTimeout time.Duration

	// DeadLetters receives deliveries that could not be completed.
	// Required unless BestEffort is set.
	DeadLetters deadletter.Sink

	// Queues are the consumers. Bound at construction.
	Queues []queue.Queue

	// BestEffort drops failed deliveries after logging them.
	BestEffort bool

	// Projection renders the message body. Defaults to the event JSON.
	Projection func(event.Event) ([]byte, error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder

	// OnAttempt is called after every delivery attempt.
	OnAttempt func(Attempt)
}

// Channel fans one event out to its queues.
// Channel is safe for concurrent use; it holds no per-event state.
type Channel struct {
	id         string
	eventType  string
	policy     routeerrors.RetryPolicy
	sink       deadletter.Sink
	queues     []queue.Queue
	bestEffort bool
	projection func(event.Event) ([]byte, error)
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	onAttempt  func(Attempt)
}

// New validates cfg and builds a Channel.
func New(cfg Config) (*Channel, error) {
	if cfg.ID == "" {
		return nil, ErrMissingID
	}
	if cfg.DeadLetters == nil && !cfg.BestEffort {
		return nil, fmt.Errorf("channel %s: %w", cfg.ID, ErrNoDeadLetterSink)
	}

	seen := make(map[string]bool, len(cfg.Queues))
	for _, q := range cfg.Queues {
		if seen[q.ID()] {
			return nil, fmt.Errorf("channel %s: %w: %s", cfg.ID, ErrDuplicateQueue, q.ID())
		}
		seen[q.ID()] = true
	}

	ch := &Channel{
		id:         cfg.ID,
		eventType:  event.NormalizeType(cfg.EventType),
		policy:     cfg.Policy,
		sink:       cfg.DeadLetters,
		queues:     append([]queue.Queue(nil), cfg.Queues...),
		bestEffort: cfg.BestEffort,
		projection: cfg.Projection,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		onAttempt:  cfg.OnAttempt,
	}
	if ch.eventType == "" {
		ch.eventType = event.NormalizeType(cfg.ID)
	}
	if ch.policy.MaxAttempts == 0 {
		ch.policy = routeerrors.DefaultRetry
	}
	if cfg.AttemptTimeout > 0 {
		ch.policy.AttemptTimeout = cfg.AttemptTimeout
	}
	if ch.projection == nil {
		ch.projection = func(e event.Event) ([]byte, error) { return e.Marshal() }
	}
	if ch.logger == nil {
		ch.logger = slog.Default()
	}
	if ch.metrics == nil {
		ch.metrics = observability.NoopMetrics{}
	}
	return ch, nil
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// EventType returns the type the channel subscribes to by default.
func (c *Channel) EventType() string { return c.eventType }

// BestEffort reports whether failures are dropped instead of dead-lettered.
func (c *Channel) BestEffort() bool { return c.bestEffort }

// DeadLetters returns the channel's sink, nil for best-effort channels
// configured without one.
func (c *Channel) DeadLetters() deadletter.Sink { return c.sink }

// Queues returns the bound queues.
func (c *Channel) Queues() []queue.Queue {
	return append([]queue.Queue(nil), c.queues...)
}

// Policy returns the effective retry policy.
func (c *Channel) Policy() routeerrors.RetryPolicy { return c.policy }

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	sem *semaphore.Weighted
}

// WithSemaphore bounds concurrent attempts across every channel sharing
// sem. One slot is held per attempt, not across backoff.
func WithSemaphore(sem *semaphore.Weighted) PublishOption {
	return func(o *publishOptions) {
		o.sem = sem
	}
}

// Publish delivers evt to every queue and blocks until each delivery is
// final. Cancelling ctx aborts pending retries without dead-lettering.
func (c *Channel) Publish(ctx context.Context, evt event.Event, opts ...PublishOption) Outcome {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	out := Outcome{ChannelID: c.id, EventID: evt.ID}
	logger := observability.EnrichLogger(c.logger, evt.ID, evt.Type, c.id, "")

	out.Queues = make([]QueueOutcome, len(c.queues))

	body, err := c.projection(evt.Clone())
	if err != nil {
		// No queue can take an event the channel cannot render.
		err = fmt.Errorf("projection: %w", err)
		for i, q := range c.queues {
			qo := QueueOutcome{QueueID: q.ID(), Stop: routeerrors.StopPermanent, Err: err}
			c.fail(ctx, logger.With(slog.String("queue_id", q.ID())), evt, &qo, routeerrors.CategoryPermanent)
			out.Queues[i] = qo
		}
		return out
	}
	msg := queue.NewMessage(c.id, evt, body)

	var wg sync.WaitGroup
	for i, q := range c.queues {
		wg.Add(1)
		go func(i int, q queue.Queue) {
			defer wg.Done()
			out.Queues[i] = c.deliver(ctx, logger, evt, msg, q, o.sem)
		}(i, q)
	}
	wg.Wait()
	return out
}

// deliver runs the retry loop for one queue.
func (c *Channel) deliver(
	ctx context.Context,
	logger *slog.Logger,
	evt event.Event,
	msg queue.Message,
	q queue.Queue,
	sem *semaphore.Weighted,
) (qo QueueOutcome) {
	qo.QueueID = q.ID()
	logger = logger.With(slog.String("queue_id", q.ID()))
	elapsed := observability.TimedOperation()

	defer func() {
		if r := recover(); r != nil {
			qo.Status = StatusFailed
			qo.Panic = &PanicError{ChannelID: c.id, QueueID: q.ID(), Value: r, Stack: string(debug.Stack())}
			qo.Err = qo.Panic
		}
	}()

	var last routeerrors.Attempt
	onAttempt := func(a routeerrors.Attempt) {
		last = a
		if a.Err != nil {
			observability.LogAttemptFailed(logger, a.Number, a.Category.String(), a.Err)
		}
		if c.onAttempt != nil {
			c.onAttempt(newAttempt(evt.ID, c.id, q.ID(), a))
		}
	}

	res := routeerrors.WithRetryContext(ctx, c.policy, func(ctx context.Context, _ int) (struct{}, error) {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return struct{}{}, err
			}
			defer sem.Release(1)
		}
		return struct{}{}, q.Enqueue(ctx, msg)
	}, routeerrors.WithOrigin(evt.Origin()), routeerrors.WithOnAttempt(onAttempt))

	qo.Attempts = res.Attempts
	qo.Stop = res.Stop

	switch res.Stop {
	case routeerrors.StopSucceeded:
		qo.Status = StatusDelivered
		c.metrics.RecordPublish(ctx, c.id, q.ID(), true, res.Duration)
		observability.LogDelivered(logger, res.Attempts, elapsed())
		return qo
	case routeerrors.StopCanceled:
		qo.Status = StatusAborted
		qo.Err = res.Err
		return qo
	}

	c.metrics.RecordPublish(ctx, c.id, q.ID(), false, res.Duration)
	qo.Err = last.Err
	if qo.Err == nil {
		qo.Err = res.Err
	}
	c.fail(ctx, logger, evt, &qo, last.Category)
	return qo
}

// fail dead-letters a finished failure, or drops it on best-effort
// channels. It sets qo.Status.
func (c *Channel) fail(ctx context.Context, logger *slog.Logger, evt event.Event, qo *QueueOutcome, category routeerrors.Category) {
	if c.bestEffort {
		qo.Status = StatusSkipped
		observability.LogBestEffortDropped(logger, qo.Attempts, qo.Err)
		return
	}

	rec := deadletter.NewRecord(evt, c.id, qo.QueueID, reasonFor(qo.Stop), qo.Attempts, qo.Err)
	rec.Category = category.String()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()
	if err := c.sink.Record(writeCtx, rec); err != nil {
		qo.Status = StatusFatal
		qo.DeadLetterErr = err
		c.metrics.RecordFatal(ctx, "deadletter")
		observability.LogFatal(logger, "deadletter", err)
		return
	}

	qo.Status = StatusFailed
	qo.DeadLettered = true
	c.metrics.RecordDeadLetter(ctx, c.id, string(rec.Reason))
	observability.LogDeadLettered(logger, string(rec.Reason), qo.Attempts, qo.Err)
}

func reasonFor(stop routeerrors.StopReason) deadletter.Reason {
	switch stop {
	case routeerrors.StopExpired:
		return deadletter.ReasonExpired
	case routeerrors.StopExhausted:
		return deadletter.ReasonExhausted
	default:
		return deadletter.ReasonPermanent
	}
}
