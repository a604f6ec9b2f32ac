package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
)

// RedisKeyPrefix namespaces queue lists.
const RedisKeyPrefix = "eventroute:queue:"

// RedisQueue is a Redis list used as a consumer queue. Producers RPUSH,
// consumers pop from the head with Receive.
type RedisQueue struct {
	id     string
	key    string
	client redis.Cmdable
	maxLen int64
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithMaxLen makes Enqueue fail with ErrThrottled once the list holds n
// messages.
func WithMaxLen(n int64) RedisQueueOption {
	return func(q *RedisQueue) {
		q.maxLen = n
	}
}

// WithKey overrides the list key.
func WithKey(key string) RedisQueueOption {
	return func(q *RedisQueue) {
		q.key = key
	}
}

// NewRedisQueue creates a queue backed by the list RedisKeyPrefix+id.
func NewRedisQueue(id string, client redis.Cmdable, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{id: id, key: RedisKeyPrefix + id, client: client}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ID implements Queue.
func (q *RedisQueue) ID() string { return q.id }

// Key returns the Redis list key.
func (q *RedisQueue) Key() string { return q.key }

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return routeerrors.Permanent(err, "encode message for "+q.id)
	}

	if q.maxLen > 0 {
		n, err := q.client.LLen(ctx, q.key).Result()
		if err != nil {
			return fmt.Errorf("redis queue %s: llen: %w", q.id, err)
		}
		if n >= q.maxLen {
			return routeerrors.Transient(ErrThrottled, "redis queue "+q.id)
		}
	}

	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return classifyRedisError(q.id, err)
	}
	return nil
}

// Receive pops the oldest message, waiting up to timeout. It returns
// (Message{}, false, nil) when nothing arrived.
func (q *RedisQueue) Receive(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("redis queue %s: blpop: %w", q.id, err)
	}
	// BLPOP returns [key, value].
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, false, fmt.Errorf("redis queue %s: decode: %w", q.id, err)
	}
	return msg, true, nil
}

// Depth implements Stats.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue %s: llen: %w", q.id, err)
	}
	return int(n), nil
}

// OldestAge implements Stats.
func (q *RedisQueue) OldestAge(ctx context.Context) (time.Duration, error) {
	head, err := q.client.LIndex(ctx, q.key, 0).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis queue %s: lindex: %w", q.id, err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(head), &msg); err != nil {
		return 0, fmt.Errorf("redis queue %s: decode head: %w", q.id, err)
	}
	return time.Since(msg.EnqueuedAt), nil
}

func classifyRedisError(id string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("redis queue %s: %w", id, err)
	case isRedisAuthError(err):
		return routeerrors.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, err), "redis queue "+id)
	case isRedisWrongType(err):
		return routeerrors.Permanent(fmt.Errorf("%w: %v", ErrInvalidTarget, err), "redis queue "+id)
	default:
		return routeerrors.Transient(err, "redis queue "+id)
	}
}

func isRedisAuthError(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	msg := rerr.Error()
	return strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") || strings.HasPrefix(msg, "NOPERM")
}

func isRedisWrongType(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE")
}
