// Package routing maps event types to subscriber channel ids.
//
// A Table holds routing rules. Each rule names an event type (or the
// catch-all "*") and an ordered set of channel ids, optionally guarded
// by a Filter. Matching is additive: an event goes to every channel of
// every rule for its exact type plus every catch-all rule.
//
// Readers never lock. Each change builds a new immutable Snapshot and
// publishes it atomically, so a route that took a snapshot keeps a
// consistent view even while rules change underneath it.
package routing

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
)

// Rule validation errors.
var (
	ErrEmptyType      = errors.New("routing: rule has no event type")
	ErrNoChannels     = errors.New("routing: rule has no channels")
	ErrEmptyChannelID = errors.New("routing: empty channel id")
)

// Rule routes one event type to a set of channels.
type Rule struct {
	// Type is an exact event type or event.TypeAll. "ALL" is accepted.
	Type string `json:"type" yaml:"type"`

	// Channels is the ordered, duplicate-free list of channel ids.
	Channels []string `json:"channels" yaml:"channels"`

	// Filter optionally restricts the rule to events it matches.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// normalize validates r and returns a canonical copy.
func (r Rule) normalize() (Rule, *Filter, error) {
	out := Rule{Type: event.NormalizeType(r.Type), Filter: r.Filter}
	if out.Type == "" {
		return Rule{}, nil, ErrEmptyType
	}
	if len(r.Channels) == 0 {
		return Rule{}, nil, ErrNoChannels
	}
	out.Channels = make([]string, 0, len(r.Channels))
	for _, id := range r.Channels {
		if id == "" {
			return Rule{}, nil, ErrEmptyChannelID
		}
		if !slices.Contains(out.Channels, id) {
			out.Channels = append(out.Channels, id)
		}
	}

	var f *Filter
	if r.Filter != "" {
		var err error
		if f, err = CompileFilter(r.Filter); err != nil {
			return Rule{}, nil, err
		}
		out.Filter = f.String()
	}
	return out, f, nil
}

type compiledRule struct {
	rule   Rule
	filter *Filter
}

func (c *compiledRule) key() string {
	return c.rule.Type + "\x00" + c.rule.Filter
}

// Snapshot is an immutable view of the table at one version.
type Snapshot struct {
	version uint64
	rules   []*compiledRule
	byType  map[string][]*compiledRule
}

func newSnapshot(version uint64, rules []*compiledRule) *Snapshot {
	s := &Snapshot{
		version: version,
		rules:   rules,
		byType:  make(map[string][]*compiledRule, len(rules)),
	}
	for _, r := range rules {
		s.byType[r.rule.Type] = append(s.byType[r.rule.Type], r)
	}
	return s
}

// Version returns the table version this snapshot was taken at.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Match returns the channel ids subscribed to eventType, ignoring rule
// filters. Exact-type channels come first, then catch-all channels;
// each id appears once.
func (s *Snapshot) Match(eventType string) []string {
	return s.collect(eventType, nil)
}

// MatchEvent returns the channel ids evt should be published to,
// applying rule filters.
func (s *Snapshot) MatchEvent(evt event.Event) []string {
	return s.collect(evt.Type, &evt)
}

func (s *Snapshot) collect(eventType string, evt *event.Event) []string {
	var out []string
	add := func(rules []*compiledRule) {
		for _, r := range rules {
			if evt != nil && r.filter != nil && !r.filter.Matches(*evt) {
				continue
			}
			for _, id := range r.rule.Channels {
				if !slices.Contains(out, id) {
					out = append(out, id)
				}
			}
		}
	}
	if eventType != "" && eventType != event.TypeAll {
		add(s.byType[eventType])
	}
	add(s.byType[event.TypeAll])
	return out
}

// Rules returns a copy of the rules in registration order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = Rule{Type: r.rule.Type, Channels: slices.Clone(r.rule.Channels), Filter: r.rule.Filter}
	}
	return out
}

// Channels returns every channel id referenced by any rule.
func (s *Snapshot) Channels() []string {
	var out []string
	for _, r := range s.rules {
		for _, id := range r.rule.Channels {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// Table is a concurrent, copy-on-write routing table.
type Table struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewTable creates a table holding rules.
func NewTable(rules ...Rule) (*Table, error) {
	t := &Table{}
	t.current.Store(newSnapshot(0, nil))
	for _, r := range rules {
		if _, err := t.Register(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Snapshot returns the current immutable view.
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Version returns the current table version.
func (t *Table) Version() uint64 {
	return t.Snapshot().Version()
}

// Match is shorthand for t.Snapshot().Match.
func (t *Table) Match(eventType string) []string {
	return t.Snapshot().Match(eventType)
}

// MatchEvent is shorthand for t.Snapshot().MatchEvent.
func (t *Table) MatchEvent(evt event.Event) []string {
	return t.Snapshot().MatchEvent(evt)
}

// Register adds r's channels to the rule with the same type and filter,
// creating it if needed. Registering channels that are already present
// changes nothing and does not bump the version. It returns the version
// after the call.
func (t *Table) Register(r Rule) (uint64, error) {
	norm, filter, err := r.normalize()
	if err != nil {
		return 0, fmt.Errorf("register rule for %q: %w", r.Type, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	incoming := &compiledRule{rule: norm, filter: filter}

	rules := make([]*compiledRule, 0, len(cur.rules)+1)
	changed := false
	merged := false
	for _, existing := range cur.rules {
		if merged || existing.key() != incoming.key() {
			rules = append(rules, existing)
			continue
		}
		merged = true
		channels := existing.rule.Channels
		for _, id := range norm.Channels {
			if !slices.Contains(channels, id) {
				if !changed {
					channels = slices.Clone(channels)
					changed = true
				}
				channels = append(channels, id)
			}
		}
		if !changed {
			rules = append(rules, existing)
			continue
		}
		rules = append(rules, &compiledRule{
			rule:   Rule{Type: existing.rule.Type, Channels: channels, Filter: existing.rule.Filter},
			filter: existing.filter,
		})
	}
	if !merged {
		rules = append(rules, incoming)
		changed = true
	}

	if !changed {
		return cur.version, nil
	}
	next := newSnapshot(cur.version+1, rules)
	t.current.Store(next)
	return next.version, nil
}

// Deregister removes channelID from every rule, dropping rules left
// with no channels. It returns the version after the call.
func (t *Table) Deregister(channelID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	rules := make([]*compiledRule, 0, len(cur.rules))
	changed := false
	for _, existing := range cur.rules {
		idx := slices.Index(existing.rule.Channels, channelID)
		if idx < 0 {
			rules = append(rules, existing)
			continue
		}
		changed = true
		channels := slices.Delete(slices.Clone(existing.rule.Channels), idx, idx+1)
		if len(channels) == 0 {
			continue
		}
		rules = append(rules, &compiledRule{
			rule:   Rule{Type: existing.rule.Type, Channels: channels, Filter: existing.rule.Filter},
			filter: existing.filter,
		})
	}

	if !changed {
		return cur.version
	}
	next := newSnapshot(cur.version+1, rules)
	t.current.Store(next)
	return next.version
}

// Replace swaps in a whole new rule set atomically.
func (t *Table) Replace(rules ...Rule) (uint64, error) {
	staged, err := NewTable(rules...)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	next := newSnapshot(cur.version+1, staged.Snapshot().rules)
	t.current.Store(next)
	return next.version, nil
}
