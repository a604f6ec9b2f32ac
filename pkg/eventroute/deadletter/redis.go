package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/redis/go-redis/v9"
)

// Redis key layout.
const (
	redisKeyPrefix   = "eventroute:deadletter:"
	redisChannelsKey = "eventroute:deadletter:_channels"
)

// pruneChannel drops a channel from the index only while its list is
// empty, so a concurrent Record cannot be hidden. It returns the length.
var pruneChannel = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
end
return n
`)

// RedisSink stores each channel's records in a Redis list and tracks
// which channels hold records in a set.
type RedisSink struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSink creates a sink using client.
func NewRedisSink(client redis.Cmdable) *RedisSink {
	return &RedisSink{client: client, prefix: redisKeyPrefix}
}

func (s *RedisSink) key(channelID string) string {
	return s.prefix + channelID
}

// Record implements Sink.
func (s *RedisSink) Record(ctx context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key(r.ChannelID), data)
		pipe.SAdd(ctx, redisChannelsKey, r.ChannelID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// Drain implements Sink.
func (s *RedisSink) Drain(ctx context.Context, channelID string) iter.Seq2[Record, error] {
	return drain(ctx, func(ctx context.Context) (Record, bool, error) {
		data, err := s.client.LPop(ctx, s.key(channelID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		if err != nil {
			return Record{}, false, fmt.Errorf("claim dead letter: %w", err)
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return Record{}, false, fmt.Errorf("decode dead letter: %w", err)
		}
		return r, true, nil
	})
}

// Count implements Sink.
func (s *RedisSink) Count(ctx context.Context, channelID string) (int, error) {
	n, err := s.client.LLen(ctx, s.key(channelID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(n), nil
}

// Channels implements Sink. Channels whose lists were fully drained are
// pruned from the index as a side effect.
func (s *RedisSink) Channels(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, redisChannelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letter channels: %w", err)
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := pruneChannel.Run(ctx, s.client, []string{s.key(id), redisChannelsKey}, id).Int64()
		if err != nil {
			return nil, fmt.Errorf("prune dead letter channel %s: %w", id, err)
		}
		if n > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Close implements Sink. The client is owned by the caller.
func (s *RedisSink) Close() error {
	return nil
}
