package deadletter

import (
	"context"
	"iter"
	"slices"
	"sync"
)

// MemorySink keeps records in memory. Useful for tests and single-process
// development; records do not survive a restart.
type MemorySink struct {
	mu      sync.Mutex
	records map[string][]Record
	closed  bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string][]Record)}
}

// Record implements Sink.
func (s *MemorySink) Record(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	r.Event = r.Event.Clone()
	s.records[r.ChannelID] = append(s.records[r.ChannelID], r)
	return nil
}

// Drain implements Sink.
func (s *MemorySink) Drain(ctx context.Context, channelID string) iter.Seq2[Record, error] {
	return drain(ctx, func(context.Context) (Record, bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.closed {
			return Record{}, false, ErrSinkClosed
		}
		pending := s.records[channelID]
		if len(pending) == 0 {
			return Record{}, false, nil
		}
		r := pending[0]
		if len(pending) == 1 {
			delete(s.records, channelID)
		} else {
			s.records[channelID] = pending[1:]
		}
		return r, true, nil
	})
}

// Count implements Sink.
func (s *MemorySink) Count(_ context.Context, channelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSinkClosed
	}
	return len(s.records[channelID]), nil
}

// Channels implements Sink.
func (s *MemorySink) Channels(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSinkClosed
	}
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
