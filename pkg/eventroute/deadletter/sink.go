// Package deadletter stores deliveries that could not be completed.
//
// A Record is written exactly once per (event, channel, queue) delivery
// that ran out of options: retries exhausted, a permanent failure, the
// event outlived its maximum age, or the router could not attribute the
// failure to a channel at all (ChannelID == RouterChannel).
//
// Drain hands records back to an operator lazily, oldest first. A
// record is removed from the sink at the moment it is yielded, so
// stopping a drain early leaves the remainder in place.
package deadletter

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
)

// RouterChannel is the channel id of router-level dead letters.
const RouterChannel = "router"

// Reason says why a delivery was dead-lettered.
type Reason string

const (
	ReasonExhausted  Reason = "exhausted"
	ReasonPermanent  Reason = "permanent"
	ReasonExpired    Reason = "expired"
	ReasonUnroutable Reason = "unroutable"
	ReasonPanic      Reason = "panic"
)

// Sentinel errors.
var (
	// ErrSinkClosed indicates the sink has been closed.
	ErrSinkClosed = errors.New("deadletter: sink closed")

	// ErrInvalidRecord indicates a record missing its event or channel.
	ErrInvalidRecord = errors.New("deadletter: invalid record")
)

// Record is one dead-lettered delivery.
type Record struct {
	ID          string      `json:"id"`
	Event       event.Event `json:"event"`
	ChannelID   string      `json:"channel_id"`
	QueueID     string      `json:"queue_id,omitempty"`
	Error       string      `json:"error"`
	Category    string      `json:"category,omitempty"`
	Attempts    int         `json:"attempts"`
	Reason      Reason      `json:"reason"`
	ExhaustedAt time.Time   `json:"exhausted_at"`
}

// NewRecord creates a record stamped with a fresh id and the current time.
func NewRecord(evt event.Event, channelID, queueID string, reason Reason, attempts int, err error) Record {
	r := Record{
		ID:          uuid.NewString(),
		Event:       evt,
		ChannelID:   channelID,
		QueueID:     queueID,
		Attempts:    attempts,
		Reason:      reason,
		ExhaustedAt: time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// validate fills defaults and rejects unusable records.
func (r *Record) validate() error {
	if r.ChannelID == "" || r.Event.ID == "" {
		return ErrInvalidRecord
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ExhaustedAt.IsZero() {
		r.ExhaustedAt = time.Now().UTC()
	}
	return nil
}

// Sink durably stores dead-letter records.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Record stores r. A nil error means r is durable.
	Record(ctx context.Context, r Record) error

	// Drain lazily yields channelID's records oldest first, removing
	// each as it is yielded. A storage error is yielded once and ends
	// the sequence.
	Drain(ctx context.Context, channelID string) iter.Seq2[Record, error]

	// Count returns how many records channelID holds.
	Count(ctx context.Context, channelID string) (int, error)

	// Channels lists channel ids that hold at least one record.
	Channels(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// drain builds a Drain sequence from a function claiming one record at
// a time. claim returns ok=false when the channel is empty.
func drain(ctx context.Context, claim func(context.Context) (Record, bool, error)) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			r, ok, err := claim(ctx)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
