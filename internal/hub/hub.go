// Package hub fans committed auction events out to live subscribers.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/smallnest/chanx"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/event"
)

var (
	// ErrClosed is returned by Subscribe after the hub has been closed.
	ErrClosed = errors.New("hub is closed")
	// ErrSlowSubscriber is reported by a subscription that was dropped
	// because it fell too far behind.
	ErrSlowSubscriber = errors.New("subscriber fell too far behind")
)

const queueCapacity = 16

// Kind distinguishes snapshot messages from event messages.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindEvent    Kind = "event"
)

// Message is delivered to subscribers. The first message of every
// subscription is a snapshot; the rest are events in sequence order, with a
// fresh snapshot whenever the stream had to be re-seeded.
type Message struct {
	Kind     Kind              `json:"kind"`
	Snapshot *auction.Snapshot `json:"snapshot,omitempty"`
	Event    *event.Event      `json:"event,omitempty"`
}

// Seq returns the sequence number the message brings the subscriber to.
func (m Message) Seq() int64 {
	if m.Kind == KindSnapshot {
		return m.Snapshot.Seq
	}
	return m.Event.Version
}

// SnapshotSource provides the current state of an auction for subscribers
// joining a stream nobody is watching yet.
type SnapshotSource interface {
	Snapshot(ctx context.Context, auctionID string) (auction.Snapshot, error)
}

// SnapshotFunc adapts a function to SnapshotSource.
type SnapshotFunc func(ctx context.Context, auctionID string) (auction.Snapshot, error)

// Snapshot calls f.
func (f SnapshotFunc) Snapshot(ctx context.Context, auctionID string) (auction.Snapshot, error) {
	return f(ctx, auctionID)
}

// Hub keeps one ordered stream per watched auction. Batches handed to
// Publish may arrive out of order; they are held back until every earlier
// sequence number has been released.
type Hub struct {
	source     SnapshotSource
	maxBacklog int
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*stream
	nextID  uint64
	closed  bool
}

// New creates a Hub.
func New(source SnapshotSource, cfg config.HubConfig, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source:     source,
		maxBacklog: cfg.MaxBacklog,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		streams:    make(map[string]*stream),
	}
}

// stream is the delivery state of one auction.
type stream struct {
	auctionID string
	refs      int // guarded by Hub.mu

	mu      sync.Mutex
	seeded  bool
	next    int64
	snap    auction.Snapshot
	pending map[int64]auction.Batch
	subs    map[uint64]*Subscription
}

// Subscribe joins the auction's stream. The subscription's first message is
// a snapshot; every later message is an event with the next sequence number.
func (h *Hub) Subscribe(ctx context.Context, auctionID string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	st, ok := h.streams[auctionID]
	if !ok {
		st = &stream{
			auctionID: auctionID,
			pending:   make(map[int64]auction.Batch),
			subs:      make(map[uint64]*Subscription),
		}
		h.streams[auctionID] = st
	}
	st.refs++
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	st.mu.Lock()
	if !st.seeded {
		snap, err := h.source.Snapshot(ctx, auctionID)
		if err != nil {
			st.mu.Unlock()
			h.release(st)
			return nil, err
		}
		st.seed(snap)
		h.flush(st)
	}

	subCtx, cancel := context.WithCancel(h.ctx)
	sub := &Subscription{
		AuctionID: auctionID,
		id:        id,
		hub:       h,
		stream:    st,
		ctx:       subCtx,
		cancel:    cancel,
		queue:     chanx.NewUnboundedChan[Message](subCtx, queueCapacity),
	}
	snap := st.snap
	sub.send(Message{Kind: KindSnapshot, Snapshot: &snap})
	if snap.Stage.Terminal() {
		sub.finish()
	} else {
		st.subs[id] = sub
	}
	st.mu.Unlock()

	h.logger.DebugContext(ctx, "subscriber joined",
		slog.String("auction_id", auctionID),
		slog.Int64("seq", snap.Seq),
	)
	return sub, nil
}

// Publish implements auction.Publisher.
func (h *Hub) Publish(b auction.Batch) {
	h.mu.Lock()
	st, ok := h.streams[b.AuctionID]
	closed := h.closed
	h.mu.Unlock()
	if !ok || closed {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(b.Events) == 0 {
		h.resync(st, b.Snapshot)
		return
	}
	if st.seeded {
		var keep bool
		if b, keep = trim(b, st.next); !keep {
			return
		}
	}
	st.pending[b.Events[0].Version] = b
	if st.seeded {
		h.flush(st)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.streams = make(map[string]*stream)
	h.mu.Unlock()
	h.cancel()
}

// release drops a reference to st and forgets it once nobody watches.
func (h *Hub) release(st *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st.refs--
	if st.refs <= 0 && h.streams[st.auctionID] == st {
		delete(h.streams, st.auctionID)
	}
}

// seed sets the release point from a snapshot. Buffered batches the
// snapshot already covers are dropped. Callers must hold st.mu.
func (st *stream) seed(snap auction.Snapshot) {
	st.snap = snap
	st.next = snap.Seq + 1
	st.seeded = true
	for v, b := range st.pending {
		delete(st.pending, v)
		if b, keep := trim(b, st.next); keep {
			st.pending[b.Events[0].Version] = b
		}
	}
}

// resync re-seeds st from snap and hands the snapshot to every subscriber.
// Snapshots the stream has already passed are ignored. Callers must hold
// st.mu.
func (h *Hub) resync(st *stream, snap auction.Snapshot) {
	if !st.seeded || snap.Seq < st.next {
		return
	}
	h.logger.Info("stream re-seeded",
		slog.String("auction_id", st.auctionID),
		slog.Int64("from", st.next-1),
		slog.Int64("to", snap.Seq),
	)
	st.seed(snap)
	msg := Message{Kind: KindSnapshot, Snapshot: &snap}
	for id, sub := range st.subs {
		sub.send(msg)
		if snap.Stage.Terminal() {
			delete(st.subs, id)
			sub.finish()
		}
	}
	h.flush(st)
}

// trim removes events below next, reporting whether anything is left.
func trim(b auction.Batch, next int64) (auction.Batch, bool) {
	if b.Events[len(b.Events)-1].Version < next {
		return b, false
	}
	for len(b.Events) > 0 && b.Events[0].Version < next {
		b.Events = b.Events[1:]
	}
	return b, true
}

// flush releases buffered batches for as long as they are contiguous.
// Callers must hold st.mu.
func (h *Hub) flush(st *stream) {
	for {
		b, ok := st.pending[st.next]
		if !ok {
			return
		}
		delete(st.pending, st.next)

		for i := range b.Events {
			msg := Message{Kind: KindEvent, Event: &b.Events[i]}
			for id, sub := range st.subs {
				sub.send(msg)
				if h.maxBacklog > 0 && sub.queue.Len() > h.maxBacklog {
					delete(st.subs, id)
					sub.evict()
					h.logger.Warn("subscriber evicted",
						slog.String("auction_id", st.auctionID),
						slog.Int("backlog", sub.queue.Len()),
					)
				}
			}
		}
		st.next = b.Events[len(b.Events)-1].Version + 1
		st.snap = b.Snapshot

		if st.snap.Stage.Terminal() {
			for id, sub := range st.subs {
				delete(st.subs, id)
				sub.finish()
			}
		}
	}
}

// Subscription is one subscriber's view of an auction stream.
type Subscription struct {
	AuctionID string

	id     uint64
	hub    *Hub
	stream *stream
	ctx    context.Context
	cancel context.CancelFunc
	queue  *chanx.UnboundedChan[Message]

	// err is guarded by stream.mu.
	err       error
	closeOnce sync.Once
}

// Messages returns the delivery channel. It is closed when the auction
// ends, when the subscriber is evicted, and on Close.
func (s *Subscription) Messages() <-chan Message {
	return s.queue.Out
}

// Err reports why the subscription ended early, if it did.
func (s *Subscription) Err() error {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.err
}

// Close leaves the stream. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.stream.mu.Lock()
		delete(s.stream.subs, s.id)
		s.stream.mu.Unlock()
		s.cancel()
		s.hub.release(s.stream)
	})
}

// send enqueues without waiting on the subscriber. Callers must hold
// stream.mu and the subscription must still be attached.
func (s *Subscription) send(m Message) {
	select {
	case s.queue.In <- m:
	case <-s.ctx.Done():
	}
}

// finish closes the queue after what is already queued.
func (s *Subscription) finish() {
	close(s.queue.In)
}

func (s *Subscription) evict() {
	s.err = ErrSlowSubscriber
	s.cancel()
}
