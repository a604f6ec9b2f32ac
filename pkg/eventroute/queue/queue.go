// Package queue defines the consumer queues a subscriber channel
// delivers into, and ships in-memory, Redis, NATS JetStream and
// webhook implementations.
//
// A Queue only has to accept messages. Implementations that can report
// their backlog also implement Stats, which monitoring polls for queue
// depth and oldest-unacknowledged age.
//
// Enqueue errors are classified for the channel's retry loop: errors
// wrapped with eventroute/errors.Permanent and the permanent sentinels
// below stop retries immediately; everything else is treated as
// transient.
package queue

import (
	"context"
	"errors"
	"time"

	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
)

// Sentinel errors returned (wrapped) by queue implementations. The
// delivery sentinels alias eventroute/errors so a consumer returning
// one bare is still classified: ErrThrottled is transient,
// ErrInvalidTarget, ErrUnauthorized and ErrMessageTooLarge permanent.
var (
	ErrThrottled       = routeerrors.ErrThrottled
	ErrInvalidTarget   = routeerrors.ErrInvalidTarget
	ErrUnauthorized    = routeerrors.ErrUnauthorized
	ErrMessageTooLarge = routeerrors.ErrMessageTooLarge

	// ErrClosed means the queue was closed.
	ErrClosed = errors.New("queue: closed")

	// ErrUnknownReceipt means an ack referenced no in-flight message.
	ErrUnknownReceipt = errors.New("queue: unknown receipt")
)

// Message is what a channel hands a consumer queue.
type Message struct {
	// ID deduplicates redeliveries. Channels set it to the event id.
	ID         string            `json:"id"`
	ChannelID  string            `json:"channel_id"`
	EventType  string            `json:"event_type"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// NewMessage builds the message for evt on channelID. body is the
// channel's projection of the event.
func NewMessage(channelID string, evt event.Event, body []byte) Message {
	return Message{
		ID:         evt.ID,
		ChannelID:  channelID,
		EventType:  evt.Type,
		Body:       body,
		Attributes: evt.Attributes(),
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue accepts messages for one consumer.
type Queue interface {
	// ID identifies the queue within its channel.
	ID() string

	// Enqueue hands msg to the queue. It must honor ctx.
	Enqueue(ctx context.Context, msg Message) error
}

// Stats reports backlog for monitoring.
type Stats interface {
	// Depth is the number of messages not yet acknowledged.
	Depth(ctx context.Context) (int, error)

	// OldestAge is how long the oldest unacknowledged message has waited.
	// Zero when the queue is empty.
	OldestAge(ctx context.Context) (time.Duration, error)
}

// Func adapts a function to the Queue interface.
type Func struct {
	id string
	fn func(context.Context, Message) error
}

// NewFunc creates a Queue that calls fn for every message.
func NewFunc(id string, fn func(context.Context, Message) error) *Func {
	return &Func{id: id, fn: fn}
}

// ID implements Queue.
func (f *Func) ID() string { return f.id }

// Enqueue implements Queue.
func (f *Func) Enqueue(ctx context.Context, msg Message) error {
	return f.fn(ctx, msg)
}
