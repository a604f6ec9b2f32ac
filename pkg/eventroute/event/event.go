package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types produced by the invoice pipeline.
const (
	TypeIngestion      = "ingestion"
	TypeReconciliation = "reconciliation"
	TypeAuthorization  = "authorization"
	TypePosting        = "posting"
)

// TypeAll is the catch-all routing key.
const TypeAll = "*"

// typeAllAlias is how operators usually spell the catch-all in config.
const typeAllAlias = "ALL"

// DefaultDetailType labels every invoice event.
const DefaultDetailType = "Invoice"

// KnownTypes lists the invoice pipeline stages in order.
var KnownTypes = []string{TypeIngestion, TypeReconciliation, TypeAuthorization, TypePosting}

// NormalizeType maps the "ALL" alias to TypeAll and trims whitespace.
func NormalizeType(t string) string {
	t = strings.TrimSpace(t)
	if strings.EqualFold(t, typeAllAlias) {
		return TypeAll
	}
	return t
}

// IsCatchAll reports whether t is the catch-all routing key.
func IsCatchAll(t string) bool {
	return NormalizeType(t) == TypeAll
}

// Validation errors.
var (
	ErrMissingID         = errors.New("event: missing id")
	ErrMissingType       = errors.New("event: missing type")
	ErrMissingSource     = errors.New("event: missing source")
	ErrMissingOccurredAt = errors.New("event: missing occurred-at timestamp")
	ErrCatchAllType      = errors.New("event: catch-all is not an event type")
	ErrInvalidPayload    = errors.New("event: payload is not valid JSON")
)

// Event is an immutable business event.
//
// Events are passed by value. Payload is opaque to routing and must not
// be modified after construction; use Clone when handing the bytes to
// code that might.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail_type,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	ReceivedAt time.Time       `json:"received_at"`
	TraceID    string          `json:"trace_id,omitempty"`
	Region     string          `json:"region,omitempty"`
	Account    string          `json:"account,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (useful for testing or replay).
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithTraceID sets the trace ID carried through delivery.
func WithTraceID(id string) Option {
	return func(e *Event) {
		e.TraceID = id
	}
}

// WithOccurredAt sets when the event happened at its producer.
func WithOccurredAt(t time.Time) Option {
	return func(e *Event) {
		e.OccurredAt = t
	}
}

// WithReceivedAt sets when the event entered the routing system.
func WithReceivedAt(t time.Time) Option {
	return func(e *Event) {
		e.ReceivedAt = t
	}
}

// WithDetailType overrides the default "Invoice" detail type.
func WithDetailType(dt string) Option {
	return func(e *Event) {
		e.DetailType = dt
	}
}

// WithRegion records the originating region.
func WithRegion(region string) Option {
	return func(e *Event) {
		e.Region = region
	}
}

// WithAccount records the originating account.
func WithAccount(account string) Option {
	return func(e *Event) {
		e.Account = account
	}
}

// New creates an event. payload may be a json.RawMessage, a []byte of
// JSON, nil, or any value encoding/json can marshal.
func New(eventType, source string, payload any, opts ...Option) (Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}

	now := time.Now().UTC()
	e := Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Source:     source,
		DetailType: DefaultDetailType,
		OccurredAt: now,
		ReceivedAt: now,
		Payload:    raw,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// MustNew is New for static payloads; it panics on encoding errors.
func MustNew(eventType, source string, payload any, opts ...Option) Event {
	e, err := New(eventType, source, payload, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("event: encode payload: %w", err)
		}
		return b, nil
	}
}

// Validate checks the fields every routable event must carry.
func (e Event) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, ErrMissingID)
	}
	switch {
	case e.Type == "":
		errs = append(errs, ErrMissingType)
	case IsCatchAll(e.Type):
		errs = append(errs, ErrCatchAllType)
	}
	if e.Source == "" {
		errs = append(errs, ErrMissingSource)
	}
	if e.OccurredAt.IsZero() {
		errs = append(errs, ErrMissingOccurredAt)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		errs = append(errs, ErrInvalidPayload)
	}
	return errors.Join(errs...)
}

// Age returns how long ago the event entered the system, falling back to
// when it occurred.
func (e Event) Age(now time.Time) time.Duration {
	if !e.ReceivedAt.IsZero() {
		return now.Sub(e.ReceivedAt)
	}
	return now.Sub(e.OccurredAt)
}

// Origin returns the timestamp Age is measured from.
func (e Event) Origin() time.Time {
	if !e.ReceivedAt.IsZero() {
		return e.ReceivedAt
	}
	return e.OccurredAt
}

// Clone returns a copy whose payload shares no memory with e.
func (e Event) Clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event from JSON.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	return e, nil
}

// Attributes returns the string metadata transports attach to a message.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"event_id":    e.ID,
		"event_type":  e.Type,
		"source":      e.Source,
		"detail_type": e.DetailType,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if e.TraceID != "" {
		attrs["trace_id"] = e.TraceID
	}
	if e.Region != "" {
		attrs["region"] = e.Region
	}
	if e.Account != "" {
		attrs["account"] = e.Account
	}
	return attrs
}
