package archive

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
)

// MemoryStore archives events in memory.
// It is suitable for testing and single-process development.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]struct{}
	sorted []event.Event
	closed bool
}

// NewMemoryStore creates an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]struct{})}
}

func compareEvents(a, b event.Event) int {
	ca, cb := CursorOf(a), CursorOf(b)
	switch {
	case ca.before(cb):
		return -1
	case cb.before(ca):
		return 1
	default:
		return 0
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.ID == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.byID[evt.ID]; ok {
		return nil
	}

	evt = evt.Clone()
	i, _ := slices.BinarySearchFunc(s.sorted, evt, compareEvents)
	s.sorted = slices.Insert(s.sorted, i, evt)
	s.byID[evt.ID] = struct{}{}
	return nil
}

// Replay implements Store.
func (s *MemoryStore) Replay(ctx context.Context, r Range) iter.Seq2[event.Event, error] {
	return replay(ctx, r, s.page)
}

func (s *MemoryStore) page(_ context.Context, r Range) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	start := 0
	switch {
	case r.After != nil:
		start, _ = slices.BinarySearchFunc(s.sorted, *r.After, func(e event.Event, c Cursor) int {
			if c.before(CursorOf(e)) {
				return 1
			}
			return -1
		})
	case !r.From.IsZero():
		start, _ = slices.BinarySearchFunc(s.sorted, r.From, func(e event.Event, t time.Time) int {
			if sortTime(e).Before(t) {
				return -1
			}
			return 1
		})
	}

	var out []event.Event
	for _, evt := range s.sorted[start:] {
		c := CursorOf(evt)
		if !r.To.IsZero() && !c.At.Before(r.To) {
			break
		}
		if !r.contains(c) {
			continue
		}
		out = append(out, evt.Clone())
		if len(out) == replayPageSize {
			break
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return event.Event{}, ErrStoreClosed
	}
	if _, ok := s.byID[id]; !ok {
		return event.Event{}, ErrNotFound
	}
	for _, evt := range s.sorted {
		if evt.ID == id {
			return evt.Clone(), nil
		}
	}
	return event.Event{}, ErrNotFound
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.sorted), nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	n := 0
	for n < len(s.sorted) && sortTime(s.sorted[n]).Before(cutoff) {
		delete(s.byID, s.sorted[n].ID)
		n++
	}
	s.sorted = slices.Delete(s.sorted, 0, n)
	return n, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
