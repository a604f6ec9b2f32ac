package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
)

// MemoryQueueConfig configures a MemoryQueue.
type MemoryQueueConfig struct {
	// VisibilityTimeout hides a received message from other receivers
	// until it is acked or the timeout passes.
	VisibilityTimeout time.Duration

	// MaxReceiveCount moves a message to the queue's own dead-letter
	// list once it has been received this many times without an ack.
	MaxReceiveCount int

	// Capacity bounds unacknowledged messages. Zero means unbounded.
	Capacity int
}

// DefaultMemoryQueueConfig matches the consumer queue defaults of the
// hosted deployment.
var DefaultMemoryQueueConfig = MemoryQueueConfig{
	VisibilityTimeout: 30 * time.Second,
	MaxReceiveCount:   3,
}

// Delivery is a received message awaiting Ack.
type Delivery struct {
	Message
	Receipt      string
	ReceiveCount int
}

type memEntry struct {
	msg          Message
	receiveCount int
	visibleAt    time.Time
	receipt      string
}

// MemoryQueue is an in-process queue with visibility-timeout redelivery
// and max-receive-count redrive into a local dead-letter list.
type MemoryQueue struct {
	id  string
	cfg MemoryQueueConfig
	now func() time.Time

	mu       sync.Mutex
	ready    []*memEntry
	inflight map[string]*memEntry
	dead     []Message
	closed   bool
	notify   chan struct{}
}

// NewMemoryQueue creates a MemoryQueue. Zero config fields take their
// defaults.
func NewMemoryQueue(id string, cfg MemoryQueueConfig) *MemoryQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultMemoryQueueConfig.VisibilityTimeout
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = DefaultMemoryQueueConfig.MaxReceiveCount
	}
	return &MemoryQueue{
		id:       id,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]*memEntry),
		notify:   make(chan struct{}, 1),
	}
}

// ID implements Queue.
func (q *MemoryQueue) ID() string { return q.id }

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return routeerrors.Permanent(ErrClosed, "enqueue "+q.id)
	}
	if q.cfg.Capacity > 0 && len(q.ready)+len(q.inflight) >= q.cfg.Capacity {
		return routeerrors.Transient(ErrThrottled, "enqueue "+q.id)
	}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}
	q.ready = append(q.ready, &memEntry{msg: msg})
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// reclaimLocked returns expired in-flight messages to the ready list,
// or to the dead-letter list once they hit MaxReceiveCount. It returns
// the earliest remaining visibility deadline.
func (q *MemoryQueue) reclaimLocked(now time.Time) time.Time {
	var next time.Time
	for receipt, e := range q.inflight {
		if e.visibleAt.After(now) {
			if next.IsZero() || e.visibleAt.Before(next) {
				next = e.visibleAt
			}
			continue
		}
		delete(q.inflight, receipt)
		e.receipt = ""
		if e.receiveCount >= q.cfg.MaxReceiveCount {
			q.dead = append(q.dead, e.msg)
			continue
		}
		q.ready = append(q.ready, e)
	}
	return next
}

// Receive blocks until a message is visible or ctx ends.
func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		now := q.now()
		next := q.reclaimLocked(now)
		if len(q.ready) > 0 {
			e := q.ready[0]
			q.ready = q.ready[1:]
			e.receiveCount++
			e.receipt = uuid.NewString()
			e.visibleAt = now.Add(q.cfg.VisibilityTimeout)
			q.inflight[e.receipt] = e
			d := Delivery{Message: e.msg, Receipt: e.receipt, ReceiveCount: e.receiveCount}
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(now))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return Delivery{}, ctx.Err()
		case <-q.notify:
		case <-fire:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Ack removes a received message for good.
func (q *MemoryQueue) Ack(receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[receipt]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReceipt, receipt)
	}
	delete(q.inflight, receipt)
	return nil
}

// Nack makes a received message visible again immediately. The receive
// still counts toward MaxReceiveCount.
func (q *MemoryQueue) Nack(receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	e, ok := q.inflight[receipt]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReceipt, receipt)
	}
	e.visibleAt = q.now()
	q.reclaimLocked(e.visibleAt)
	q.signal()
	return nil
}

// Depth implements Stats.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimLocked(q.now())
	return len(q.ready) + len(q.inflight), nil
}

// OldestAge implements Stats.
func (q *MemoryQueue) OldestAge(_ context.Context) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaimLocked(now)
	var oldest time.Time
	consider := func(e *memEntry) {
		if oldest.IsZero() || e.msg.EnqueuedAt.Before(oldest) {
			oldest = e.msg.EnqueuedAt
		}
	}
	for _, e := range q.ready {
		consider(e)
	}
	for _, e := range q.inflight {
		consider(e)
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return now.Sub(oldest), nil
}

// DeadLetters returns a copy of messages redriven after MaxReceiveCount.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimLocked(q.now())
	return append([]Message(nil), q.dead...)
}

// Close stops the queue. Pending receivers return ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.notify)
	return nil
}
