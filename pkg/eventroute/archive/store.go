// Package archive is the replayable record of every event the router
// accepted.
//
// Append is idempotent on event id: routing the same event twice leaves
// one archived copy. Replay streams events ordered by the time they were
// received (ties broken by id) and can resume from a Cursor, so a
// replay interrupted halfway can pick up exactly where it stopped.
package archive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
)

// Sentinel errors for archive operations.
var (
	// ErrNotFound indicates an event isn't archived.
	ErrNotFound = errors.New("archive: event not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("archive: store closed")

	// ErrMissingID indicates an event without an id.
	ErrMissingID = errors.New("archive: event has no id")
)

// DefaultRetention is how long archived events are kept.
const DefaultRetention = 30 * 24 * time.Hour

// replayPageSize bounds how many events a replay reads per round trip.
const replayPageSize = 256

// Store persists accepted events.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append archives evt. Appending an id that is already archived
	// succeeds without writing anything.
	Append(ctx context.Context, evt event.Event) error

	// Replay lazily yields archived events within r ordered by
	// (ReceivedAt, ID). A storage error is yielded once and ends the
	// sequence.
	Replay(ctx context.Context, r Range) iter.Seq2[event.Event, error]

	// Get returns the archived event with id.
	// Returns ErrNotFound if it isn't archived.
	Get(ctx context.Context, id string) (event.Event, error)

	// Len returns the number of archived events.
	Len(ctx context.Context) (int, error)

	// Expire deletes events received before cutoff and returns how many
	// were removed.
	Expire(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Cursor is a position in replay order.
type Cursor struct {
	At time.Time `json:"at"`
	ID string    `json:"id"`
}

// CursorOf returns the position of evt in replay order.
func CursorOf(evt event.Event) Cursor {
	return Cursor{At: sortTime(evt), ID: evt.ID}
}

// String encodes the cursor as "<RFC3339Nano>/<id>".
func (c Cursor) String() string {
	return c.At.UTC().Format(time.RFC3339Nano) + "/" + c.ID
}

// ParseCursor decodes a cursor produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	at, id, ok := strings.Cut(s, "/")
	if !ok {
		return Cursor{}, fmt.Errorf("archive: malformed cursor %q", s)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Cursor{}, fmt.Errorf("archive: malformed cursor %q: %w", s, err)
	}
	return Cursor{At: t, ID: id}, nil
}

// before reports whether c sorts strictly before o.
func (c Cursor) before(o Cursor) bool {
	if !c.At.Equal(o.At) {
		return c.At.Before(o.At)
	}
	return c.ID < o.ID
}

// Range selects events for replay. Zero From or To leaves that side
// unbounded; From is inclusive and To exclusive. After, when set,
// resumes strictly after that position.
type Range struct {
	From  time.Time
	To    time.Time
	After *Cursor
}

// Between returns the range [from, to).
func Between(from, to time.Time) Range {
	return Range{From: from, To: to}
}

// Resume returns a copy of r starting strictly after c.
func (r Range) Resume(c Cursor) Range {
	r.After = &c
	return r
}

func (r Range) contains(c Cursor) bool {
	if !r.From.IsZero() && c.At.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !c.At.Before(r.To) {
		return false
	}
	if r.After != nil && !r.After.before(c) {
		return false
	}
	return true
}

// sortTime is the timestamp an event is ordered and expired by.
func sortTime(evt event.Event) time.Time {
	return evt.Origin().UTC()
}

// replay builds a Replay sequence from a function that reads the page
// of events strictly after a cursor.
func replay(ctx context.Context, r Range, page func(ctx context.Context, r Range) ([]event.Event, error)) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		cur := r
		for {
			if err := ctx.Err(); err != nil {
				yield(event.Event{}, err)
				return
			}
			events, err := page(ctx, cur)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			for _, evt := range events {
				if !yield(evt, nil) {
					return
				}
			}
			if len(events) < replayPageSize {
				return
			}
			cur = cur.Resume(CursorOf(events[len(events)-1]))
		}
	}
}
