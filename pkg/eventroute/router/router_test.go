package router_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventroute/pkg/eventroute/archive"
	"github.com/randalmurphal/eventroute/pkg/eventroute/channel"
	"github.com/randalmurphal/eventroute/pkg/eventroute/deadletter"
	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
	"github.com/randalmurphal/eventroute/pkg/eventroute/event"
	"github.com/randalmurphal/eventroute/pkg/eventroute/queue"
	"github.com/randalmurphal/eventroute/pkg/eventroute/router"
	"github.com/randalmurphal/eventroute/pkg/eventroute/routing"
)

var fastRetry = routeerrors.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	BackoffFactor:  2,
	AttemptTimeout: time.Second,
}

// recorder is a queue that remembers the event ids it received.
type recorder struct {
	id  string
	err error

	mu  sync.Mutex
	ids []string
}

func (q *recorder) ID() string { return q.id }

func (q *recorder) Enqueue(_ context.Context, m queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, m.ID)
	return q.err
}

func (q *recorder) received() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type failingStore struct {
	*archive.MemoryStore
}

func (s *failingStore) Append(context.Context, event.Event) error {
	return errors.New("disk full")
}

type failingSink struct {
	*deadletter.MemorySink
}

func (s *failingSink) Record(context.Context, deadletter.Record) error {
	return errors.New("sink unavailable")
}

type fixture struct {
	router  *router.Router
	store   *archive.MemoryStore
	sink    *deadletter.MemorySink
	queues  map[string]*recorder
	fatals  []error
	fatalMu sync.Mutex
}

func newFixture(t *testing.T, cfg router.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  archive.NewMemoryStore(),
		sink:   deadletter.NewMemorySink(),
		queues: map[string]*recorder{},
	}
	if cfg.Archive == nil {
		cfg.Archive = f.store
	}
	if cfg.DeadLetters == nil {
		cfg.DeadLetters = f.sink
	}
	cfg.OnFatal = func(err error) {
		f.fatalMu.Lock()
		f.fatals = append(f.fatals, err)
		f.fatalMu.Unlock()
	}
	r, err := router.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	f.router = r
	return f
}

func (f *fixture) addChannel(t *testing.T, id, eventType string, bestEffort bool, queueErr error) *recorder {
	t.Helper()
	q := &recorder{id: id + "-consumer", err: queueErr}
	cfg := channel.Config{ID: id, EventType: eventType, Policy: fastRetry, Queues: []queue.Queue{q}, BestEffort: bestEffort}
	if !bestEffort {
		cfg.DeadLetters = f.sink
	}
	ch, err := channel.New(cfg)
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))
	f.queues[id] = q
	return q
}

func (f *fixture) standardTopology(t *testing.T) {
	t.Helper()
	for _, typ := range event.KnownTypes {
		f.addChannel(t, typ, typ, false, nil)
	}
	f.addChannel(t, "ALL", event.TypeAll, true, nil)
}

func routeAndWait(t *testing.T, r *router.Router, evt event.Event) *router.Result {
	t.Helper()
	res, err := r.Route(context.Background(), evt)
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))
	return res
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := router.New(router.Config{DeadLetters: deadletter.NewMemorySink()})
	assert.ErrorIs(t, err, router.ErrNoArchive)

	_, err = router.New(router.Config{Archive: archive.NewMemoryStore()})
	assert.ErrorIs(t, err, router.ErrNoDeadLetters)
}

func TestRoute_ScenarioExactAndCatchAll(t *testing.T) {
	f := newFixture(t, router.Config{})
	f.standardTopology(t)

	evt := event.MustNew(event.TypeIngestion, "/ingestion", map[string]any{"invoiceId": "INV-1"}, event.WithID("e1"))
	res := routeAndWait(t, f.router, evt)

	assert.True(t, res.Accepted)
	assert.ElementsMatch(t, []string{"ingestion", "ALL"}, res.ChannelIDs())
	assert.Equal(t, []string{"e1"}, f.queues["ingestion"].received())
	assert.Equal(t, []string{"e1"}, f.queues["ALL"].received())
	for _, other := range []string{"reconciliation", "authorization", "posting"} {
		assert.Empty(t, f.queues[other].received(), other)
	}

	n, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRoute_UnmatchedTypeIsArchived(t *testing.T) {
	f := newFixture(t, router.Config{})
	f.addChannel(t, "posting", event.TypePosting, false, nil)

	evt := event.MustNew("approval", "/approval", nil, event.WithID("e1"))
	res := routeAndWait(t, f.router, evt)

	assert.True(t, res.Accepted)
	assert.Empty(t, res.Channels())
	_, err := f.store.Get(context.Background(), "e1")
	assert.NoError(t, err)
}

func TestRoute_Validation(t *testing.T) {
	f := newFixture(t, router.Config{})

	_, err := f.router.Route(context.Background(), event.Event{ID: "x"})
	assert.ErrorIs(t, err, event.ErrMissingType)

	_, err = f.router.Route(context.Background(), event.Event{ID: "x", Type: "*"})
	assert.ErrorIs(t, err, event.ErrCatchAllType)

	n, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRoute_StampsMissingID(t *testing.T) {
	f := newFixture(t, router.Config{})
	res, err := f.router.Route(context.Background(), event.Event{Type: event.TypePosting, Source: "/posting"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)

	got, err := f.store.Get(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestRoute_DuplicateIDArchivedOnceDeliveredTwice(t *testing.T) {
	f := newFixture(t, router.Config{})
	q := f.addChannel(t, "ingestion", event.TypeIngestion, false, nil)

	evt := event.MustNew(event.TypeIngestion, "/ingestion", nil, event.WithID("dup"))
	routeAndWait(t, f.router, evt)
	routeAndWait(t, f.router, evt)

	n, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"dup", "dup"}, q.received())
}

func TestRoute_ArchiveFailureNotAccepted(t *testing.T) {
	f := newFixture(t, router.Config{Archive: &failingStore{MemoryStore: archive.NewMemoryStore()}})

	res, err := f.router.Route(context.Background(), event.MustNew(event.TypePosting, "/posting", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrArchive)
	require.NotNil(t, res)
	assert.False(t, res.Accepted)
	assert.Empty(t, f.fatals, "archive failures are surfaced to the caller, not OnFatal")
}

func TestRoute_FailingChannelDeadLettersOnce(t *testing.T) {
	f := newFixture(t, router.Config{})
	f.addChannel(t, "posting", event.TypePosting, false, queue.ErrThrottled)

	res := routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", nil, event.WithID("e1")))
	require.Len(t, res.Channels(), 1)
	assert.Equal(t, channel.StatusFailed, res.Channels()[0].Status)
	assert.Len(t, f.queues["posting"].received(), 3)

	n, err := f.sink.Count(context.Background(), "posting")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRoute_ChannelIsolation(t *testing.T) {
	f := newFixture(t, router.Config{})
	broken := f.addChannel(t, "A", event.TypeIngestion, false, queue.ErrInvalidTarget)
	healthy := &recorder{id: "b-consumer"}
	ch, err := channel.New(channel.Config{ID: "B", EventType: event.TypeIngestion, Policy: fastRetry, DeadLetters: f.sink, Queues: []queue.Queue{healthy}})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	const total = 1000
	results := make([]*router.Result, 0, total)
	for i := 0; i < total; i++ {
		res, err := f.router.Route(context.Background(),
			event.MustNew(event.TypeIngestion, "/ingestion", nil, event.WithID(fmt.Sprintf("e%04d", i))))
		require.NoError(t, err)
		results = append(results, res)
	}
	for _, res := range results {
		require.NoError(t, res.Wait(context.Background()))
	}

	assert.Len(t, healthy.received(), total)
	assert.Len(t, broken.received(), total, "permanent failures are attempted once")
	n, err := f.sink.Count(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, total, n)
	n, err = f.sink.Count(context.Background(), "B")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRoute_DeadLetterFailureIsFatal(t *testing.T) {
	f := newFixture(t, router.Config{})
	bad := &failingSink{MemorySink: deadletter.NewMemorySink()}
	ch, err := channel.New(channel.Config{
		ID: "posting", EventType: event.TypePosting, Policy: fastRetry, DeadLetters: bad,
		Queues: []queue.Queue{&recorder{id: "q", err: queue.ErrUnauthorized}},
	})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	res, err := f.router.Route(context.Background(), event.MustNew(event.TypePosting, "/posting", nil, event.WithID("e1")))
	require.NoError(t, err)

	err = res.Wait(context.Background())
	var fatal *router.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "e1", fatal.EventID)
	assert.Equal(t, "posting", fatal.ChannelID)
	assert.Equal(t, "deadletter", fatal.Op)

	f.fatalMu.Lock()
	defer f.fatalMu.Unlock()
	require.Len(t, f.fatals, 1)
	assert.ErrorAs(t, f.fatals[0], &fatal)
}

func TestRoute_UnroutableChannel(t *testing.T) {
	f := newFixture(t, router.Config{
		Rules: []routing.Rule{{Type: event.TypePosting, Channels: []string{"ghost"}}},
	})

	res := routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", nil, event.WithID("e1")))
	require.Len(t, res.Channels(), 1)
	assert.Equal(t, channel.StatusFailed, res.Channels()[0].Status)
	assert.ErrorIs(t, res.Channels()[0].Err, router.ErrUnknownChannel)

	var records []deadletter.Record
	for r, err := range f.router.Drain(context.Background(), deadletter.RouterChannel) {
		require.NoError(t, err)
		records = append(records, r)
	}
	require.Len(t, records, 1)
	assert.Equal(t, deadletter.ReasonUnroutable, records[0].Reason)
	assert.Equal(t, deadletter.RouterChannel, records[0].ChannelID)
}

func TestRoute_PanicIsRecorded(t *testing.T) {
	f := newFixture(t, router.Config{})
	ch, err := channel.New(channel.Config{
		ID: "posting", EventType: event.TypePosting, DeadLetters: f.sink, Policy: fastRetry,
		Queues: []queue.Queue{queue.NewFunc("boom", func(context.Context, queue.Message) error { panic("kaboom") })},
	})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	res := routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", nil, event.WithID("e1")))
	assert.Equal(t, channel.StatusFailed, res.Channels()[0].Status)

	for r, err := range f.router.Drain(context.Background(), deadletter.RouterChannel) {
		require.NoError(t, err)
		assert.Equal(t, deadletter.ReasonPanic, r.Reason)
		assert.Contains(t, r.Error, "kaboom")
	}
}

func TestRoute_CallerCancellationDoesNotAbortDelivery(t *testing.T) {
	f := newFixture(t, router.Config{})
	release := make(chan struct{})
	delivered := make(chan string, 1)
	ch, err := channel.New(channel.Config{
		ID: "posting", EventType: event.TypePosting, DeadLetters: f.sink, Policy: fastRetry,
		Queues: []queue.Queue{queue.NewFunc("slow", func(ctx context.Context, m queue.Message) error {
			<-release
			delivered <- m.ID
			return ctx.Err()
		})},
	})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	ctx, cancel := context.WithCancel(context.Background())
	res, err := f.router.Route(ctx, event.MustNew(event.TypePosting, "/posting", nil, event.WithID("e1")))
	require.NoError(t, err)
	cancel()
	close(release)

	require.NoError(t, res.Wait(context.Background()))
	assert.Equal(t, "e1", <-delivered)
	assert.Equal(t, channel.StatusDelivered, res.Channels()[0].Status)
}

func TestRoute_SnapshotIsolation(t *testing.T) {
	f := newFixture(t, router.Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	ch, err := channel.New(channel.Config{
		ID: "ingestion", EventType: event.TypeIngestion, DeadLetters: f.sink, Policy: fastRetry,
		Queues: []queue.Queue{queue.NewFunc("gate", func(context.Context, queue.Message) error {
			close(entered)
			<-release
			return nil
		})},
	})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	res, err := f.router.Route(context.Background(), event.MustNew(event.TypeIngestion, "/ingestion", nil))
	require.NoError(t, err)
	<-entered

	late := f.addChannel(t, "late", event.TypeIngestion, false, nil)
	assert.Greater(t, f.router.Table().Version(), res.TableVersion)
	close(release)

	require.NoError(t, res.Wait(context.Background()))
	assert.Equal(t, []string{"ingestion"}, res.ChannelIDs())
	assert.Empty(t, late.received())
}

func TestRegisterChannel_Idempotent(t *testing.T) {
	f := newFixture(t, router.Config{})
	ch, err := channel.New(channel.Config{ID: "posting", DeadLetters: f.sink})
	require.NoError(t, err)

	require.NoError(t, f.router.RegisterChannel(ch))
	v := f.router.Table().Version()
	require.NoError(t, f.router.RegisterChannel(ch))
	assert.Equal(t, v, f.router.Table().Version())

	assert.ErrorIs(t, f.router.RegisterChannel(nil), router.ErrNilChannel)
}

func TestRegisterChannel_ExtraRules(t *testing.T) {
	f := newFixture(t, router.Config{})
	q := &recorder{id: "big"}
	ch, err := channel.New(channel.Config{ID: "large-postings", EventType: "large-posting", DeadLetters: f.sink, Queues: []queue.Queue{q}})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch, routing.Rule{Type: event.TypePosting, Filter: "detail.amount > 1000"}))

	routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", map[string]any{"amount": 5000}, event.WithID("big")))
	routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", map[string]any{"amount": 5}, event.WithID("small")))
	assert.Equal(t, []string{"big"}, q.received())

	v := f.router.Table().Version()
	err = f.router.RegisterChannel(ch, routing.Rule{Type: event.TypePosting, Filter: "amount >"})
	assert.ErrorIs(t, err, routing.ErrInvalidFilter)
	assert.Equal(t, v, f.router.Table().Version())
	got, ok := f.router.Channel("large-postings")
	require.True(t, ok, "earlier registration survives a failed one")
	assert.Same(t, ch, got)

	routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", map[string]any{"amount": 9000}, event.WithID("big2")))
	assert.Equal(t, []string{"big", "big2"}, q.received())
}

func TestRegisterChannel_FailureKeepsPreviousChannel(t *testing.T) {
	f := newFixture(t, router.Config{})
	first := &recorder{id: "first"}
	ch1, err := channel.New(channel.Config{ID: "posting", DeadLetters: f.sink, Queues: []queue.Queue{first}})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch1))

	ch2, err := channel.New(channel.Config{ID: "posting", DeadLetters: f.sink, Queues: []queue.Queue{&recorder{id: "second"}}})
	require.NoError(t, err)
	err = f.router.RegisterChannel(ch2, routing.Rule{Type: event.TypeAuthorization, Filter: "detail.amount >"})
	require.Error(t, err)

	got, ok := f.router.Channel("posting")
	require.True(t, ok)
	assert.Same(t, ch1, got)
	assert.Equal(t, []string{"posting"}, f.router.Table().Match(event.TypePosting))
	assert.Empty(t, f.router.Table().Match(event.TypeAuthorization))

	routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", nil, event.WithID("e1")))
	assert.Equal(t, []string{"e1"}, first.received())
}

func TestRoute_DeregisterDuringRouteIsNotUnroutable(t *testing.T) {
	f := newFixture(t, router.Config{})
	q := &recorder{id: "churn-consumer"}
	ch, err := channel.New(channel.Config{ID: "churn", EventType: event.TypePosting, Policy: fastRetry, DeadLetters: f.sink, Queues: []queue.Queue{q}})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.router.DeregisterChannel("churn")
			_ = f.router.RegisterChannel(ch)
		}
	}()

	const total = 500
	results := make([]*router.Result, 0, total)
	for i := 0; i < total; i++ {
		res, err := f.router.Route(context.Background(),
			event.MustNew(event.TypePosting, "/posting", nil, event.WithID(fmt.Sprintf("e%04d", i))))
		require.NoError(t, err)
		results = append(results, res)
	}
	close(stop)
	churn.Wait()

	for _, res := range results {
		require.NoError(t, res.Wait(context.Background()))
		for _, c := range res.Channels() {
			assert.Equal(t, channel.StatusDelivered, c.Status)
		}
	}
	n, err := f.sink.Count(context.Background(), deadletter.RouterChannel)
	require.NoError(t, err)
	assert.Zero(t, n, "a route never sees a rule without its channel")
}

func TestDeregisterChannel(t *testing.T) {
	f := newFixture(t, router.Config{})
	q := f.addChannel(t, "posting", event.TypePosting, false, nil)

	assert.True(t, f.router.DeregisterChannel("posting"))
	assert.False(t, f.router.DeregisterChannel("posting"))

	res := routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", nil))
	assert.Empty(t, res.Channels())
	assert.Empty(t, q.received())
}

func TestDrain(t *testing.T) {
	f := newFixture(t, router.Config{})
	f.addChannel(t, "posting", event.TypePosting, false, queue.ErrInvalidTarget)
	for i := 0; i < 3; i++ {
		routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", nil, event.WithID(fmt.Sprintf("e%d", i))))
	}

	for r, err := range f.router.Drain(context.Background(), "posting") {
		require.NoError(t, err)
		assert.Equal(t, "e0", r.Event.ID)
		break
	}
	n, err := f.sink.Count(context.Background(), "posting")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "partial drain leaves the rest")

	for _, err := range f.router.Drain(context.Background(), "missing") {
		assert.ErrorIs(t, err, router.ErrUnknownChannel)
	}
}

func TestReplayInto(t *testing.T) {
	f := newFixture(t, router.Config{})
	base := time.Now().Add(-time.Hour).UTC()
	for i := 0; i < 5; i++ {
		evt := event.MustNew(event.TypeIngestion, "/ingestion", nil,
			event.WithID(fmt.Sprintf("e%d", i)), event.WithReceivedAt(base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, f.store.Append(context.Background(), evt))
	}

	q := f.addChannel(t, "ingestion", event.TypeIngestion, false, nil)
	n, err := f.router.ReplayInto(context.Background(), archive.Range{})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.ElementsMatch(t, []string{"e0", "e1", "e2", "e3", "e4"}, q.received())

	count, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	var ids []string
	for evt, err := range f.router.Replay(context.Background(), archive.Between(base.Add(2*time.Minute), time.Time{})) {
		require.NoError(t, err)
		ids = append(ids, evt.ID)
	}
	assert.Equal(t, []string{"e2", "e3", "e4"}, ids)
}

func TestClose(t *testing.T) {
	f := newFixture(t, router.Config{})
	slow := &atomic.Int32{}
	policy := fastRetry
	policy.MaxAttempts = 50
	policy.InitialBackoff = time.Hour
	policy.MaxBackoff = time.Hour
	ch, err := channel.New(channel.Config{
		ID: "posting", EventType: event.TypePosting, DeadLetters: f.sink, Policy: policy,
		Queues: []queue.Queue{queue.NewFunc("down", func(context.Context, queue.Message) error {
			slow.Add(1)
			return queue.ErrThrottled
		})},
	})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	res, err := f.router.Route(context.Background(), event.MustNew(event.TypePosting, "/posting", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.router.Close(ctx))

	require.NoError(t, res.Wait(ctx))
	assert.Equal(t, channel.StatusAborted, res.Channels()[0].Status)
	n, err := f.sink.Count(context.Background(), "posting")
	require.NoError(t, err)
	assert.Zero(t, n, "aborted deliveries leave no record")

	_, err = f.router.Route(context.Background(), event.MustNew(event.TypePosting, "/posting", nil))
	assert.ErrorIs(t, err, router.ErrRouterClosed)
	assert.NoError(t, f.router.Close(ctx))
}

func TestAuditLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := newFixture(t, router.Config{Logger: logger, AuditLog: true})

	routeAndWait(t, f.router, event.MustNew("approval", "/approval", nil, event.WithID("e1"), event.WithTraceID("t-1")))
	assert.Contains(t, buf.String(), `"msg":"event received"`)
	assert.Contains(t, buf.String(), `"trace_id":"t-1"`)
}

func TestMaxInFlight(t *testing.T) {
	f := newFixture(t, router.Config{MaxInFlight: 2})
	var inFlight, peak atomic.Int64
	q := queue.NewFunc("q", func(context.Context, queue.Message) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	for _, id := range []string{"a", "b", "c"} {
		ch, err := channel.New(channel.Config{ID: id, EventType: event.TypePosting, DeadLetters: f.sink, Queues: []queue.Queue{q}})
		require.NoError(t, err)
		require.NoError(t, f.router.RegisterChannel(ch))
	}

	var results []*router.Result
	for i := 0; i < 10; i++ {
		res, err := f.router.Route(context.Background(), event.MustNew(event.TypePosting, "/posting", nil))
		require.NoError(t, err)
		results = append(results, res)
	}
	for _, res := range results {
		require.NoError(t, res.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestQueueStats(t *testing.T) {
	f := newFixture(t, router.Config{})
	mq := queue.NewMemoryQueue("consumer", queue.DefaultMemoryQueueConfig)
	defer mq.Close()
	ch, err := channel.New(channel.Config{ID: "posting", EventType: event.TypePosting, DeadLetters: f.sink, Queues: []queue.Queue{mq}})
	require.NoError(t, err)
	require.NoError(t, f.router.RegisterChannel(ch))

	routeAndWait(t, f.router, event.MustNew(event.TypePosting, "/posting", nil))
	stats := f.router.QueueStats(context.Background())
	require.Len(t, stats, 1)
	assert.Equal(t, "posting", stats[0].ChannelID)
	assert.Equal(t, "consumer", stats[0].QueueID)
	assert.Equal(t, 1, stats[0].Depth)
}
