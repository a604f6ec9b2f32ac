package router

import (
	"context"
	"slices"
	"sync"

	"github.com/randalmurphal/eventroute/pkg/eventroute/channel"
)

// ChannelResult is the delivery state of one matched channel.
type ChannelResult struct {
	ChannelID string
	Status    channel.Status
	Err       error
}

// Result describes one Route call. Archival is settled when Route
// returns; channel deliveries settle in the background and Wait blocks
// until they have.
type Result struct {
	EventID      string
	Accepted     bool
	TableVersion uint64

	mu        sync.Mutex
	channels  []ChannelResult
	index     map[string]int
	remaining int
	fatal     error
	done      chan struct{}
}

func newResult(eventID string, version uint64, channelIDs []string) *Result {
	r := &Result{
		EventID:      eventID,
		TableVersion: version,
		channels:     make([]ChannelResult, len(channelIDs)),
		index:        make(map[string]int, len(channelIDs)),
		remaining:    len(channelIDs),
		done:         make(chan struct{}),
	}
	for i, id := range channelIDs {
		r.channels[i] = ChannelResult{ChannelID: id, Status: channel.StatusPending}
		r.index[id] = i
	}
	if r.remaining == 0 {
		close(r.done)
	}
	return r
}

// finish settles one channel. Each channel settles exactly once.
func (r *Result) finish(channelID string, status channel.Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[channelID]
	if !ok || r.channels[i].Status.Final() {
		return
	}
	r.channels[i].Status = status
	r.channels[i].Err = err
	if status == channel.StatusFatal && r.fatal == nil {
		r.fatal = err
	}
	r.remaining--
	if r.remaining == 0 {
		close(r.done)
	}
}

// Channels returns a copy of the per-channel states.
func (r *Result) Channels() []ChannelResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.channels)
}

// ChannelIDs returns the matched channel ids in match order.
func (r *Result) ChannelIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.channels))
	for i, c := range r.channels {
		ids[i] = c.ChannelID
	}
	return ids
}

// Done is closed once every channel has settled.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until every channel settles or ctx ends. It returns the
// first *FatalError, if any.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}
