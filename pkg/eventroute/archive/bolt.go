package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
)

var (
	// bucketEvents maps order key -> event JSON.
	bucketEvents = []byte("events")

	// bucketIDs maps event id -> order key.
	bucketIDs = []byte("event_ids")
)

// BoltStore archives events in a bbolt file. Events are keyed by
// big-endian receive time followed by id, so a bucket cursor walks them
// in replay order.
type BoltStore struct {
	db     *bolt.DB
	closed atomic.Bool
}

// NewBoltStore opens (or creates) an archive file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// orderKey encodes a cursor so byte order equals replay order.
// Times before the Unix epoch clamp to zero.
func orderKey(c Cursor) []byte {
	nanos := c.At.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	key := make([]byte, 8+len(c.ID))
	binary.BigEndian.PutUint64(key, uint64(nanos))
	copy(key[8:], c.ID)
	return key
}

func timeKey(t time.Time) []byte {
	return orderKey(Cursor{At: t})
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	if !s.open() {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	if !s.open() {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

func (s *BoltStore) open() bool {
	return !s.closed.Load()
}

// Append implements Store.
func (s *BoltStore) Append(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.ID == "" {
		return ErrMissingID
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = s.update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		if ids.Get([]byte(evt.ID)) != nil {
			return nil
		}
		key := orderKey(CursorOf(evt))
		if err := tx.Bucket(bucketEvents).Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(evt.ID), key)
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Replay implements Store.
func (s *BoltStore) Replay(ctx context.Context, r Range) iter.Seq2[event.Event, error] {
	return replay(ctx, r, s.page)
}

func (s *BoltStore) page(_ context.Context, r Range) ([]event.Event, error) {
	var start []byte
	switch {
	case r.After != nil:
		start = orderKey(*r.After)
	case !r.From.IsZero():
		start = timeKey(r.From)
	}
	var end []byte
	if !r.To.IsZero() {
		end = timeKey(r.To)
	}

	var out []event.Event
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			evt, err := event.Unmarshal(v)
			if err != nil {
				return err
			}
			if !r.contains(CursorOf(evt)) {
				continue
			}
			out = append(out, evt)
			if len(out) == replayPageSize {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	return out, nil
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, id string) (event.Event, error) {
	var evt event.Event
	err := s.view(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIDs).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketEvents).Get(key)
		if data == nil {
			return ErrNotFound
		}
		var err error
		evt, err = event.Unmarshal(data)
		return err
	})
	return evt, err
}

// Len implements Store.
func (s *BoltStore) Len(_ context.Context) (int, error) {
	var n int
	err := s.view(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketIDs).Stats().KeyN
		return nil
	})
	return n, err
}

// Expire implements Store.
func (s *BoltStore) Expire(_ context.Context, cutoff time.Time) (int, error) {
	limit := timeKey(cutoff)
	var n int
	err := s.update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		ids := tx.Bucket(bucketIDs)

		var expired [][]byte
		c := events.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			expired = append(expired, bytes.Clone(k))
		}
		for _, k := range expired {
			if err := events.Delete(k); err != nil {
				return err
			}
			if err := ids.Delete(k[8:]); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire events: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
