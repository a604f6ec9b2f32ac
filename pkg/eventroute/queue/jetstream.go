package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
)

// SubjectPrefix roots every subject eventroute publishes on.
const SubjectPrefix = "eventroute"

// Subject returns the subject for a channel's queue.
func Subject(channelID, queueID string) string {
	return SubjectPrefix + "." + subjectToken(channelID) + "." + subjectToken(queueID)
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// NATSConfig holds connection settings for a JetStream queue.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
}

// DefaultNATSConfig returns connection defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "eventroute",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// ConnectJetStream dials NATS and returns a JetStream handle. The
// caller closes the returned connection.
func ConnectJetStream(cfg NATSConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return conn, js, nil
}

// StreamConfig describes the stream backing a set of channel queues.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	Storage  jetstream.StorageType
}

// DefaultStreamConfig captures every eventroute subject with work-queue
// retention.
func DefaultStreamConfig(name string) StreamConfig {
	return StreamConfig{
		Name:     name,
		Subjects: []string{SubjectPrefix + ".>"},
		MaxAge:   14 * 24 * time.Hour,
		Storage:  jetstream.FileStorage,
	}
}

// ConsumerConfig describes the durable consumer reading one queue.
// AckWait and MaxDeliver play the roles of visibility timeout and max
// receive count.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int
}

// DefaultConsumerConfig returns the consumer for channelID/queueID with
// the standard 30s ack wait and 3 deliveries.
func DefaultConsumerConfig(channelID, queueID string) ConsumerConfig {
	return ConsumerConfig{
		Name:          subjectToken(channelID) + "-" + subjectToken(queueID),
		FilterSubject: Subject(channelID, queueID),
		AckWait:       DefaultMemoryQueueConfig.VisibilityTimeout,
		MaxDeliver:    DefaultMemoryQueueConfig.MaxReceiveCount,
	}
}

// EnsureStream creates or updates the stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		Storage:   cfg.Storage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// EnsureConsumer creates or updates a durable consumer on stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// MsgPublisher is the slice of jetstream.JetStream a queue needs.
type MsgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamQueue publishes messages to a JetStream subject. The event
// id is sent as Nats-Msg-Id so the server drops redelivered duplicates
// inside its dedupe window.
type JetStreamQueue struct {
	id      string
	subject string
	js      MsgPublisher
}

// NewJetStreamQueue creates a queue publishing on subject. An empty
// subject is derived from channelID and id.
func NewJetStreamQueue(id, channelID, subject string, js MsgPublisher) *JetStreamQueue {
	if subject == "" {
		subject = Subject(channelID, id)
	}
	return &JetStreamQueue{id: id, subject: subject, js: js}
}

// ID implements Queue.
func (q *JetStreamQueue) ID() string { return q.id }

// Subject returns the subject messages are published on.
func (q *JetStreamQueue) Subject() string { return q.subject }

// Enqueue implements Queue.
func (q *JetStreamQueue) Enqueue(ctx context.Context, msg Message) error {
	if _, err := q.js.PublishMsg(ctx, q.natsMsg(msg), jetstream.WithMsgID(msg.ID)); err != nil {
		return classifyNATSError(q.id, err)
	}
	return nil
}

func (q *JetStreamQueue) natsMsg(msg Message) *nats.Msg {
	m := nats.NewMsg(q.subject)
	m.Data = msg.Body
	for k, v := range msg.Attributes {
		m.Header.Set(k, v)
	}
	m.Header.Set("Eventroute-Channel", msg.ChannelID)
	return m
}

func classifyNATSError(id string, err error) error {
	ctxName := "jetstream queue " + id
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", ctxName, err)
	case errors.Is(err, nats.ErrMaxPayload):
		return routeerrors.Permanent(fmt.Errorf("%w: %v", ErrMessageTooLarge, err), ctxName)
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, jetstream.ErrNoStreamResponse):
		return routeerrors.Permanent(fmt.Errorf("%w: %v", ErrInvalidTarget, err), ctxName)
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrPermissionViolation):
		return routeerrors.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, err), ctxName)
	default:
		return routeerrors.Transient(err, ctxName)
	}
}
