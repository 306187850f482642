package hub_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/hub"
	"github.com/jensholdgaard/auction-engine/internal/store/memstore"
)

const auctionID = "a-1"

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]auction.Snapshot
	calls int
}

func (f *fakeSource) Snapshot(_ context.Context, id string) (auction.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s, ok := f.snaps[id]
	if !ok {
		return auction.Snapshot{}, auction.ErrAuctionNotFound
	}
	return s, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sourceAt(seq int64) *fakeSource {
	return &fakeSource{snaps: map[string]auction.Snapshot{
		auctionID: {AuctionID: auctionID, Seq: seq, Stage: auction.StageLive},
	}}
}

func batch(first, last int64, stage auction.Stage) auction.Batch {
	var evs []event.Event
	for v := first; v <= last; v++ {
		evs = append(evs, event.Event{AggregateID: auctionID, Type: event.BidAccepted, Version: v})
	}
	return auction.Batch{
		AuctionID: auctionID,
		Events:    evs,
		Snapshot:  auction.Snapshot{AuctionID: auctionID, Seq: last, Stage: stage},
	}
}

func newHub(src hub.SnapshotSource, backlog int) *hub.Hub {
	return hub.New(src, config.HubConfig{MaxBacklog: backlog}, slog.Default())
}

func receive(t *testing.T, sub *hub.Subscription, n int) []hub.Message {
	t.Helper()
	var out []hub.Message
	for range n {
		select {
		case m, ok := <-sub.Messages():
			require.True(t, ok, "channel closed after %d messages", len(out))
			out = append(out, m)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

// drain reads until the channel is closed.
func drain(t *testing.T, sub *hub.Subscription) []hub.Message {
	t.Helper()
	var out []hub.Message
	for {
		select {
		case m, ok := <-sub.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		case <-time.After(time.Second):
			t.Fatal("channel was not closed")
		}
	}
}

func seqs(msgs []hub.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq())
	}
	return out
}

func TestHub_DeliversInSequenceOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHub(sourceAt(2), 100)
	defer h.Close()

	a, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer a.Close()
	b, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer b.Close()

	h.Publish(batch(5, 6, auction.StageLive))
	h.Publish(batch(3, 4, auction.StageLive))
	h.Publish(batch(7, 7, auction.StageLive))

	for _, sub := range []*hub.Subscription{a, b} {
		msgs := receive(t, sub, 6)
		assert.Equal(t, hub.KindSnapshot, msgs[0].Kind)
		assert.Equal(t, []int64{2, 3, 4, 5, 6, 7}, seqs(msgs))
	}
}

func TestHub_JoinMidStreamGetsSnapshotFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := sourceAt(0)
	h := newHub(src, 100)
	defer h.Close()

	early, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer early.Close()

	h.Publish(batch(1, 2, auction.StageLive))
	h.Publish(batch(3, 3, auction.StageLive))

	late, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer late.Close()
	assert.Equal(t, 1, src.callCount(), "a watched stream must not consult the source")

	h.Publish(batch(4, 4, auction.StageLive))

	assert.Equal(t, []int64{0, 1, 2, 3, 4}, seqs(receive(t, early, 5)))

	msgs := receive(t, late, 2)
	assert.Equal(t, hub.KindSnapshot, msgs[0].Kind)
	assert.Equal(t, []int64{3, 4}, seqs(msgs))
}

func TestHub_DropsBatchesCoveredBySnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHub(sourceAt(5), 100)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer sub.Close()

	h.Publish(batch(4, 5, auction.StageLive))
	h.Publish(batch(6, 6, auction.StageLive))

	assert.Equal(t, []int64{5, 6}, seqs(receive(t, sub, 2)))
}

func TestHub_SnapshotOnlyBatchReseeds(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHub(sourceAt(2), 100)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer sub.Close()

	// 3..5 were written elsewhere and are never published here.
	h.Publish(batch(6, 7, auction.StageLive))
	h.Publish(auction.Batch{AuctionID: auctionID, Snapshot: auction.Snapshot{AuctionID: auctionID, Seq: 5, Stage: auction.StageLive}})
	h.Publish(auction.Batch{AuctionID: auctionID, Snapshot: auction.Snapshot{AuctionID: auctionID, Seq: 4, Stage: auction.StageLive}})
	h.Publish(batch(8, 8, auction.StageLive))

	msgs := receive(t, sub, 5)
	assert.Equal(t, []int64{2, 5, 6, 7, 8}, seqs(msgs))
	assert.Equal(t, hub.KindSnapshot, msgs[1].Kind)
	for _, m := range msgs[2:] {
		assert.Equal(t, hub.KindEvent, m.Kind)
	}

	late, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer late.Close()
	assert.Equal(t, []int64{8}, seqs(receive(t, late, 1)))
}

func TestHub_EvictsSlowSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHub(sourceAt(0), 3)
	defer h.Close()

	slow, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer slow.Close()
	fast, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer fast.Close()

	got := receive(t, fast, 1)
	for v := int64(1); v <= 8; v++ {
		h.Publish(batch(v, v, auction.StageLive))
		got = append(got, receive(t, fast, 1)...)
	}

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8}, seqs(got))
	assert.NoError(t, fast.Err())

	drain(t, slow)
	assert.ErrorIs(t, slow.Err(), hub.ErrSlowSubscriber)
}

func TestHub_TerminalStageEndsStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHub(sourceAt(0), 100)
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer sub.Close()

	h.Publish(batch(1, 1, auction.StageLive))
	h.Publish(batch(2, 2, auction.StageClosed))

	assert.Equal(t, []int64{0, 1, 2}, seqs(drain(t, sub)))
	assert.NoError(t, sub.Err())

	after, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer after.Close()
	msgs := drain(t, after)
	require.Len(t, msgs, 1)
	assert.Equal(t, auction.StageClosed, msgs[0].Snapshot.Stage)
}

func TestHub_CloseDoesNotAffectOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHub(sourceAt(0), 100)
	defer h.Close()

	a, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	b, err := h.Subscribe(context.Background(), auctionID)
	require.NoError(t, err)
	defer b.Close()

	a.Close()
	a.Close()
	h.Publish(batch(1, 1, auction.StageLive))

	assert.Equal(t, []int64{0, 1}, seqs(receive(t, b, 2)))
}

func TestHub_SubscribeErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHub(sourceAt(0), 100)

	_, err := h.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, auction.ErrNotFound)

	h.Close()
	_, err = h.Subscribe(context.Background(), auctionID)
	assert.ErrorIs(t, err, hub.ErrClosed)
}

func TestHub_WithEngine(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	fees, err := auction.NewFeeSchedule(config.FeeConfig{Tiers: []config.FeeTier{{Percent: "10"}}, Floor: 100})
	require.NoError(t, err)

	var engine *auction.Engine
	h := newHub(hub.SnapshotFunc(func(ctx context.Context, id string) (auction.Snapshot, error) {
		return engine.Snapshot(ctx, id)
	}), 100)
	defer h.Close()

	engine, err = auction.NewEngine(memstore.New(clk).Repositories(),
		config.EngineConfig{LockWait: time.Second, RetryDelay: time.Millisecond},
		fees, slog.Default(), tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider(), clk,
		auction.WithPublisher(h))
	require.NoError(t, err)

	snap, err := engine.CreateAuction(ctx, auction.Settings{
		SellerRef: "seller", Title: "Lamp", OpeningPrice: 10, MinIncrement: 5,
		ScheduledStart: start, ScheduledEnd: start.Add(time.Hour),
	})
	require.NoError(t, err)
	for _, target := range []auction.Stage{auction.StageApproved, auction.StageLive} {
		_, err := engine.TransitionStage(ctx, auction.TransitionRequest{AuctionID: snap.AuctionID, Target: target, AuthorizerRef: "admin"})
		require.NoError(t, err)
	}

	bid := func(bidder string, amount int64) {
		t.Helper()
		_, err := engine.PlaceBid(ctx, auction.BidRequest{AuctionID: snap.AuctionID, BidderRef: bidder, Amount: amount})
		require.NoError(t, err)
	}
	bid("a", 10)
	bid("b", 15)
	bid("c", 20)

	sub, err := h.Subscribe(ctx, snap.AuctionID)
	require.NoError(t, err)
	defer sub.Close()

	bid("d", 25)

	first := receive(t, sub, 1)[0]
	require.Equal(t, hub.KindSnapshot, first.Kind)
	assert.Equal(t, 3, first.Snapshot.BidderCount)
	assert.Equal(t, int64(20), first.Snapshot.CurrentPrice)
	assert.Equal(t, "c", first.Snapshot.LeaderRef)

	events, err := engine.Events(ctx, snap.AuctionID, first.Snapshot.Seq)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	msgs := receive(t, sub, len(events))
	for i, m := range msgs {
		require.Equal(t, hub.KindEvent, m.Kind)
		assert.Equal(t, events[i].Version, m.Event.Version)
		assert.Equal(t, events[i].Type, m.Event.Type)
	}
	assert.Equal(t, event.BidAccepted, msgs[0].Event.Type)

	select {
	case m := <-sub.Messages():
		t.Fatalf("unexpected extra message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}

	if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
		t.Fatal("subscriber was evicted")
	}
}
