package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

const instrumentationName = "github.com/jensholdgaard/auction-engine/internal/auction"

// Batch is what one critical section emitted, plus the state it left behind.
type Batch struct {
	AuctionID string
	Events    []event.Event
	Snapshot  Snapshot
}

// Publisher receives committed batches. Batches of one auction may arrive
// out of order; the event versions define their order. A batch without
// events carries state reloaded from the store and supersedes everything up
// to its snapshot's sequence number.
type Publisher interface {
	Publish(b Batch)
}

// Settlement describes a closed auction with a winner.
type Settlement struct {
	AuctionID   string
	WinnerRef   string
	SellerRef   string
	HammerPrice int64
	PlatformFee int64
	NetProceeds int64
	ClosedAt    time.Time
}

// Settler is handed every settlement after it has been persisted.
// Implementations must not block.
type Settler interface {
	Settle(ctx context.Context, s Settlement)
}

// BidRequest is a bid submission.
type BidRequest struct {
	AuctionID    string
	BidderRef    string
	Amount       int64
	ProxyCeiling *int64
}

func (r BidRequest) ceiling() int64 {
	if r.ProxyCeiling != nil {
		return *r.ProxyCeiling
	}
	return r.Amount
}

func (r BidRequest) validate() error {
	switch {
	case r.BidderRef == "":
		return fmt.Errorf("%w: bidder reference is required", ErrMalformedBid)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrMalformedBid)
	case r.ProxyCeiling != nil && *r.ProxyCeiling < r.Amount:
		return ErrCeilingBelowAmount
	}
	return nil
}

// BidResult is the outcome of an accepted bid.
type BidResult struct {
	Accepted     bool
	BidID        string
	Status       BidStatus
	CurrentPrice int64
	CurrentEnd   time.Time
	Seq          int64
}

// TransitionRequest asks for a manual stage change.
type TransitionRequest struct {
	AuctionID     string
	Target        Stage
	AuthorizerRef string
	// Reason is recorded on cancellation.
	Reason string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where committed batches are sent.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithSettler sets the settlement collaborator.
func WithSettler(s Settler) Option {
	return func(e *Engine) { e.settler = s }
}

type nopPublisher struct{}

func (nopPublisher) Publish(Batch) {}

type nopSettler struct{}

func (nopSettler) Settle(context.Context, Settlement) {}

type engineMetrics struct {
	accepted   metric.Int64Counter
	rejected   metric.Int64Counter
	conflicts  metric.Int64Counter
	extensions metric.Int64Counter
	critical   metric.Float64Histogram
}

func newEngineMetrics(mp metric.MeterProvider) (engineMetrics, error) {
	meter := mp.Meter(instrumentationName)
	var (
		m   engineMetrics
		err error
	)
	if m.accepted, err = meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids accepted by the engine")); err != nil {
		return m, err
	}
	if m.rejected, err = meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids rejected by the engine")); err != nil {
		return m, err
	}
	if m.conflicts, err = meter.Int64Counter("auction.lock.conflicts",
		metric.WithDescription("Timed out attempts to enter an auction's critical section")); err != nil {
		return m, err
	}
	if m.extensions, err = meter.Int64Counter("auction.extensions",
		metric.WithDescription("Deadline extensions granted")); err != nil {
		return m, err
	}
	if m.critical, err = meter.Float64Histogram("auction.critical_section.duration",
		metric.WithDescription("Time spent holding an auction's lock"),
		metric.WithUnit("s")); err != nil {
		return m, err
	}
	return m, nil
}

// Engine accepts bids and stage transitions. Operations on one auction are
// serialized; different auctions proceed in parallel.
type Engine struct {
	mu    sync.RWMutex
	units map[string]*unit

	auctions  store.AuctionRepository
	bids      store.BidRepository
	events    event.Store
	fees      FeeSchedule
	cfg       config.EngineConfig
	publisher Publisher
	settler   Settler
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     clock.Clock
	metrics   engineMetrics
}

// NewEngine creates an Engine over the given repositories.
func NewEngine(
	repos *store.Repositories,
	cfg config.EngineConfig,
	fees FeeSchedule,
	logger *slog.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	clk clock.Clock,
	opts ...Option,
) (*Engine, error) {
	if err := fees.Validate(); err != nil {
		return nil, err
	}
	m, err := newEngineMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating engine metrics: %w", err)
	}
	e := &Engine{
		units:     make(map[string]*unit),
		auctions:  repos.Auctions,
		bids:      repos.Bids,
		events:    repos.Events,
		fees:      fees,
		cfg:       cfg,
		publisher: nopPublisher{},
		settler:   nopSettler{},
		logger:    logger,
		tracer:    tp.Tracer(instrumentationName),
		clock:     clk,
		metrics:   m,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return id.String(), nil
}

// CreateAuction creates a draft auction.
func (e *Engine) CreateAuction(ctx context.Context, s Settings) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateAuction",
		trace.WithAttributes(
			attribute.String("seller_ref", s.SellerRef),
			attribute.Int64("opening_price", s.OpeningPrice),
		),
	)
	defer span.End()

	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	id, err := newID()
	if err != nil {
		return Snapshot{}, err
	}
	now := e.clock.Now().UTC()

	tx := &txn{
		engine: e,
		now:    now,
		next: &State{
			ID:         id,
			Settings:   s,
			Stage:      StageDraft,
			CurrentEnd: s.ScheduledEnd,
			Price:      s.OpeningPrice,
			CreatedAt:  now,
		},
	}
	if err := tx.emit(event.AuctionCreated, event.AuctionCreatedData{
		SellerRef:      s.SellerRef,
		Title:          s.Title,
		OpeningPrice:   s.OpeningPrice,
		MinIncrement:   s.MinIncrement,
		ScheduledStart: s.ScheduledStart,
		ScheduledEnd:   s.ScheduledEnd,
	}); err != nil {
		return Snapshot{}, err
	}

	if err := e.auctions.Commit(ctx, &store.Commit{
		Auction: tx.next.record(),
		Create:  true,
		Events:  tx.events,
	}); err != nil {
		return Snapshot{}, fmt.Errorf("persisting auction: %w", err)
	}

	u := newUnit(tx.next)
	e.mu.Lock()
	e.units[id] = u
	e.mu.Unlock()

	snap := u.snapshot()
	e.publisher.Publish(Batch{AuctionID: id, Events: tx.events, Snapshot: snap})

	e.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", id),
		slog.String("seller_ref", s.SellerRef),
		slog.Time("scheduled_end", s.ScheduledEnd),
	)
	return snap, nil
}

// PlaceBid submits a bid. Rejections are returned as errors wrapping
// ErrValidation or ErrState and leave no trace in the bids log.
func (e *Engine) PlaceBid(ctx context.Context, req BidRequest) (BidResult, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction_id", req.AuctionID),
			attribute.String("bidder_ref", req.BidderRef),
			attribute.Int64("amount", req.Amount),
		),
	)
	defer span.End()

	res, err := e.placeBid(ctx, req)
	if err != nil {
		span.RecordError(err)
		e.metrics.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", RejectionReason(err))))
		e.logger.InfoContext(ctx, "bid rejected",
			slog.String("auction_id", req.AuctionID),
			slog.String("bidder_ref", req.BidderRef),
			slog.Int64("amount", req.Amount),
			slog.Any("error", err),
		)
		return BidResult{Status: BidRejected}, err
	}

	e.metrics.accepted.Add(ctx, 1)
	e.logger.InfoContext(ctx, "bid accepted",
		slog.String("auction_id", req.AuctionID),
		slog.String("bidder_ref", req.BidderRef),
		slog.String("bid_id", res.BidID),
		slog.Int64("amount", req.Amount),
		slog.Int64("current_price", res.CurrentPrice),
		slog.String("status", string(res.Status)),
		slog.Int64("seq", res.Seq),
	)
	return res, nil
}

func (e *Engine) placeBid(ctx context.Context, req BidRequest) (BidResult, error) {
	if err := req.validate(); err != nil {
		return BidResult{}, err
	}
	bidID, err := newID()
	if err != nil {
		return BidResult{}, err
	}

	var result BidResult
	_, err = e.mutate(ctx, req.AuctionID, func(tx *txn) error {
		if err := tx.advance(true); err != nil {
			return err
		}
		s := tx.next
		if !s.Stage.AcceptsBids() {
			return fmt.Errorf("%w: auction %s is %s", ErrNotAcceptingBids, s.ID, s.Stage)
		}

		p := s.Pricing()
		minBid := p.MinimumBid(s.Price, len(s.Standing) > 0)
		if req.Amount < minBid {
			return fmt.Errorf("%w: minimum is %d", ErrBidTooLow, minBid)
		}
		ceiling := req.ceiling()
		policy := s.Policy()
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("auction %s: %w", s.ID, err)
		}

		prevVisible := s.visibleLeader()
		prevLeader, hadLeader := s.leader()

		nb := StandingBid{
			BidID:       bidID,
			BidderRef:   req.BidderRef,
			Ceiling:     ceiling,
			SubmittedAt: tx.now,
			Seq:         s.Seq + 1,
		}
		res := Resolve(s.Standing, nb, p)
		s.Standing = res.Standing
		s.Price = res.Price
		newLeader := res.LeaderBid()

		status := BidOutbid
		if res.NewBidLeads {
			status = BidLeading
		}
		if hadLeader && prevLeader.BidID != newLeader.BidID {
			tx.relabel(prevLeader.BidID, BidLeading, BidOutbid)
			if !res.NewBidLeads {
				tx.relabel(newLeader.BidID, BidOutbid, BidLeading)
			}
		}

		if err := tx.emit(event.BidAccepted, event.BidAcceptedData{
			BidID:           bidID,
			BidderRef:       req.BidderRef,
			Amount:          req.Amount,
			NewCurrentPrice: s.Price,
		}); err != nil {
			return err
		}
		tx.newBids = append(tx.newBids, store.Bid{
			ID:           bidID,
			AuctionID:    s.ID,
			BidderRef:    req.BidderRef,
			Amount:       req.Amount,
			ProxyCeiling: req.ProxyCeiling,
			SubmittedAt:  tx.now,
			Status:       string(status),
			Seq:          nb.Seq,
		})

		if visible := s.visibleLeader(); visible != prevVisible {
			if err := tx.emit(event.LeaderChanged, event.LeaderChangedData{
				PreviousLeaderRef: prevVisible,
				NewLeaderRef:      visible,
			}); err != nil {
				return err
			}
		}

		ext, err := policy.Apply(s.CurrentEnd, s.ExtensionCount, tx.now)
		if err != nil {
			return err
		}
		if ext.Extended {
			s.CurrentEnd = ext.End
			s.ExtensionCount = ext.Count
			tx.extended = true
			if err := tx.emit(event.AuctionExtended, event.AuctionExtendedData{
				NewEndTime:     ext.End,
				ExtensionCount: ext.Count,
			}); err != nil {
				return err
			}
		}
		if err := tx.syncEnding(); err != nil {
			return err
		}

		result = BidResult{
			Accepted:     true,
			BidID:        bidID,
			Status:       status,
			CurrentPrice: s.Price,
			CurrentEnd:   s.CurrentEnd,
			Seq:          nb.Seq,
		}
		return nil
	})
	if err != nil {
		return BidResult{}, err
	}
	return result, nil
}

// TransitionStage applies an authorizer-requested stage change.
func (e *Engine) TransitionStage(ctx context.Context, req TransitionRequest) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.TransitionStage",
		trace.WithAttributes(
			attribute.String("auction_id", req.AuctionID),
			attribute.String("target", string(req.Target)),
			attribute.String("authorizer_ref", req.AuthorizerRef),
		),
	)
	defer span.End()

	if req.AuthorizerRef == "" {
		return Snapshot{}, ErrMissingAuthorizer
	}

	snap, err := e.mutate(ctx, req.AuctionID, func(tx *txn) error {
		if err := tx.advance(false); err != nil {
			return err
		}
		s := tx.next
		// The request may already have been satisfied by time passing.
		if (req.Target == StageClosed && tx.closed) || (req.Target == StageLive && tx.started) {
			return nil
		}
		if err := checkManualTransition(s.Stage, req.Target); err != nil {
			return err
		}

		switch req.Target {
		case StageApproved:
			return tx.changeStage(StageApproved, req.AuthorizerRef)
		case StageLive:
			if !tx.now.Before(s.CurrentEnd) {
				return fmt.Errorf("%w: auction %s ended at %s", ErrInvalidTransition, s.ID, s.CurrentEnd.Format(time.RFC3339))
			}
			if err := tx.changeStage(StageLive, req.AuthorizerRef); err != nil {
				return err
			}
			return tx.syncEnding()
		case StageClosed:
			return fmt.Errorf("%w: auction %s ends at %s", ErrInvalidTransition, s.ID, s.CurrentEnd.Format(time.RFC3339))
		case StageCancelled:
			s.Stage = StageCancelled
			now := tx.now
			s.ClosedAt = &now
			return tx.emit(event.AuctionCancelled, event.AuctionCancelledData{
				Reason:        req.Reason,
				AuthorizerRef: req.AuthorizerRef,
			})
		}
		return fmt.Errorf("%w: %s", ErrInvalidTransition, req.Target)
	})
	if err != nil {
		span.RecordError(err)
		e.logger.WarnContext(ctx, "stage transition rejected",
			slog.String("auction_id", req.AuctionID),
			slog.String("target", string(req.Target)),
			slog.Any("error", err),
		)
		return Snapshot{}, err
	}

	e.logger.InfoContext(ctx, "stage transition applied",
		slog.String("auction_id", req.AuctionID),
		slog.String("stage", string(snap.Stage)),
		slog.String("authorizer_ref", req.AuthorizerRef),
	)
	return snap, nil
}

// Advance applies any time-driven transitions that are due: starting,
// entering the extension window, and closing once the end time is reached.
// It is idempotent and safe to call at any rate.
func (e *Engine) Advance(ctx context.Context, auctionID string) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Advance",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	snap, err := e.mutate(ctx, auctionID, func(tx *txn) error {
		return tx.advance(false)
	})
	if err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}
	return snap, nil
}

// Snapshot returns the last committed observer view of an auction.
func (e *Engine) Snapshot(ctx context.Context, auctionID string) (Snapshot, error) {
	u, err := e.lookup(ctx, auctionID)
	if err != nil {
		return Snapshot{}, err
	}
	return u.snapshot(), nil
}

// Bids returns the observer view of an auction's bids log.
func (e *Engine) Bids(ctx context.Context, auctionID string) ([]Bid, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Bids",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	u, err := e.lookup(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	bids, err := e.bids.ListByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return observerBids(bids, u.snapshot()), nil
}

// Events returns an auction's events with a sequence number above after.
func (e *Engine) Events(ctx context.Context, auctionID string, after int64) ([]event.Event, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Events",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.Int64("after", after),
		),
	)
	defer span.End()

	if _, err := e.lookup(ctx, auctionID); err != nil {
		return nil, err
	}
	events, err := e.events.LoadAfter(ctx, auctionID, after)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}

// EventsByType returns events of one type across all auctions, oldest first.
func (e *Engine) EventsByType(ctx context.Context, typ event.Type) ([]event.Event, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.EventsByType",
		trace.WithAttributes(attribute.String("type", string(typ))),
	)
	defer span.End()

	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, typ)
	}
	events, err := e.events.LoadByType(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}

// ActiveIDs returns the ids of auctions this engine currently holds that
// are not closed or cancelled.
func (e *Engine) ActiveIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.units))
	for id := range e.units {
		ids = append(ids, id)
	}
	return ids
}

// RecoverOpenAuctions loads every auction that is not closed or cancelled
// from the store and rebuilds its price and leader from the bids log. It is
// used on leader startup to restore state after a failover.
func (e *Engine) RecoverOpenAuctions(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.RecoverOpenAuctions")
	defer span.End()

	records, err := e.auctions.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active auctions: %w", err)
	}

	states := make([]*State, len(records))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.RecoveryConcurrency > 0 {
		g.SetLimit(e.cfg.RecoveryConcurrency)
	}
	for i, rec := range records {
		g.Go(func() error {
			s, err := e.rebuild(gctx, rec)
			if err != nil {
				e.logger.WarnContext(gctx, "failed to rebuild auction during recovery",
					slog.String("auction_id", rec.ID),
					slog.Any("error", err),
				)
				return nil
			}
			states[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	recovered := 0
	e.mu.Lock()
	for _, s := range states {
		if s == nil {
			continue
		}
		if _, ok := e.units[s.ID]; !ok {
			e.units[s.ID] = newUnit(s)
		}
		recovered++
	}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "auction recovery complete",
		slog.Int("total_active", len(records)),
		slog.Int("recovered", recovered),
	)
	return recovered, nil
}

// lookup returns the unit for an auction, loading it from the store when it
// is not held in memory. Closed and cancelled auctions are not retained.
func (e *Engine) lookup(ctx context.Context, id string) (*unit, error) {
	e.mu.RLock()
	u, ok := e.units[id]
	e.mu.RUnlock()
	if ok {
		return u, nil
	}

	s, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Stage.Terminal() {
		return newUnit(s), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.units[id]; ok {
		return u, nil
	}
	u = newUnit(s)
	e.units[id] = u
	return u, nil
}

func (e *Engine) load(ctx context.Context, id string) (*State, error) {
	rec, err := e.auctions.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrAuctionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	return e.rebuild(ctx, *rec)
}

// rebuild reconstructs a State from the bids log and repairs the cached
// price and leader columns when they disagree with it.
func (e *Engine) rebuild(ctx context.Context, rec store.Auction) (*State, error) {
	bids, err := e.bids.ListByAuction(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	s, err := stateFromRecord(rec, bids)
	if err != nil {
		return nil, err
	}

	var leaderID string
	if l, ok := s.leader(); ok {
		leaderID = l.BidID
	}
	var cachedLeaderID string
	if rec.LeaderBidID != nil {
		cachedLeaderID = *rec.LeaderBidID
	}
	if rec.CurrentPrice != s.Price || cachedLeaderID != leaderID {
		e.logger.WarnContext(ctx, "auction cache disagrees with bids log",
			slog.String("auction_id", rec.ID),
			slog.Int64("cached_price", rec.CurrentPrice),
			slog.Int64("price", s.Price),
			slog.String("cached_leader_bid_id", cachedLeaderID),
			slog.String("leader_bid_id", leaderID),
		)
		if err := e.auctions.Commit(ctx, &store.Commit{Auction: s.record(), ExpectedSeq: s.Seq}); err != nil {
			e.logger.WarnContext(ctx, "failed to repair auction cache",
				slog.String("auction_id", rec.ID),
				slog.Any("error", err),
			)
		}
	}
	return s, nil
}

func (e *Engine) forget(u *unit) {
	e.mu.Lock()
	if e.units[u.id] == u {
		delete(e.units, u.id)
	}
	e.mu.Unlock()
}

// enter acquires the unit's lock, retrying a bounded number of times when a
// single wait times out.
func (e *Engine) enter(ctx context.Context, u *unit) error {
	op := func() error {
		err := u.tryLock(ctx, e.cfg.LockWait)
		if errors.Is(err, errLockTimeout) {
			e.metrics.conflicts.Add(ctx, 1)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryDelay), uint64(max(e.cfg.LockRetries, 0))),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errLockTimeout) {
			return fmt.Errorf("%w: auction %s is busy", ErrConflict, u.id)
		}
		return err
	}
	return nil
}

// mutate runs fn inside the auction's critical section on a copy of its
// state. Whatever the copy holds when fn returns is persisted in one commit,
// even when fn rejects the request, so due transitions found on the way are
// never lost. The copy replaces the live state only once the commit
// succeeded. Publishing and settlement happen after the lock is released.
func (e *Engine) mutate(ctx context.Context, id string, fn func(tx *txn) error) (Snapshot, error) {
	u, err := e.lookup(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if err := e.enter(ctx, u); err != nil {
		return Snapshot{}, err
	}

	tx, snap, err := e.critical(ctx, u, fn)
	if tx == nil {
		return snap, err
	}

	if len(tx.events) > 0 {
		e.publisher.Publish(Batch{AuctionID: id, Events: tx.events, Snapshot: snap})
	}
	if tx.extended {
		e.metrics.extensions.Add(ctx, 1)
	}
	if tx.settlement != nil {
		e.settler.Settle(context.WithoutCancel(ctx), *tx.settlement)
	}
	if snap.Stage.Terminal() {
		e.forget(u)
	}
	return snap, err
}

// critical is the locked part of mutate. A nil txn means nothing was
// committed.
func (e *Engine) critical(ctx context.Context, u *unit, fn func(tx *txn) error) (*txn, Snapshot, error) {
	start := time.Now()
	defer func() {
		u.unlock()
		e.metrics.critical.Record(ctx, time.Since(start).Seconds())
	}()

	tx := &txn{
		engine: e,
		prev:   u.state,
		next:   u.state.clone(),
		now:    e.clock.Now().UTC(),
	}
	fnErr := fn(tx)
	if len(tx.events) == 0 {
		return nil, u.snapshot(), fnErr
	}

	err := e.auctions.Commit(ctx, &store.Commit{
		Auction:       tx.next.record(),
		ExpectedSeq:   tx.prev.Seq,
		NewBids:       tx.newBids,
		StatusChanges: tx.statusChanges,
		Events:        tx.events,
	})
	if errors.Is(err, store.ErrVersionConflict) {
		e.logger.WarnContext(ctx, "auction changed underneath engine, reloading",
			slog.String("auction_id", u.id),
			slog.Int64("seq", tx.prev.Seq),
		)
		// Events written by the other process never reach the publisher, so
		// streams are re-seeded from the reloaded state instead.
		if s, loadErr := e.load(ctx, u.id); loadErr == nil {
			e.publisher.Publish(Batch{AuctionID: u.id, Snapshot: u.swap(s)})
		}
		return nil, Snapshot{}, fmt.Errorf("%w: auction %s was modified concurrently", ErrConflict, u.id)
	}
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("persisting auction %s: %w", u.id, err)
	}

	return tx, u.swap(tx.next), fnErr
}

// txn collects the changes of one critical section.
type txn struct {
	engine *Engine
	prev   *State
	next   *State
	now    time.Time

	events        []event.Event
	newBids       []store.Bid
	statusChanges []store.BidStatusChange
	settlement    *Settlement

	started  bool
	closed   bool
	extended bool
}

func (t *txn) emit(typ event.Type, payload any) error {
	ev, err := event.New(t.next.ID, typ, t.next.Seq+1, t.now, payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", typ, err)
	}
	t.next.Seq++
	t.events = append(t.events, ev)
	return nil
}

func (t *txn) relabel(bidID string, from, to BidStatus) {
	t.statusChanges = append(t.statusChanges, store.BidStatusChange{
		BidID: bidID,
		From:  string(from),
		To:    string(to),
	})
}

func (t *txn) changeStage(to Stage, authorizerRef string) error {
	from := t.next.Stage
	t.next.Stage = to
	if to == StageLive {
		t.started = true
	}
	return t.emit(event.AuctionStageChanged, event.StageChangedData{
		From:          string(from),
		To:            string(to),
		AuthorizerRef: authorizerRef,
	})
}

func (t *txn) recordChanges(changes []stageChange) error {
	for _, c := range changes {
		if c.To == StageLive && c.From == StageApproved {
			t.started = true
		}
		if err := t.emit(event.AuctionStageChanged, event.StageChangedData{
			From: string(c.From),
			To:   string(c.To),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) syncEnding() error {
	return t.recordChanges(lifecycle{state: t.next}.syncEnding(t.now))
}

// advance applies due time-driven transitions. For bids the auction only
// closes strictly after its end time.
func (t *txn) advance(forBid bool) error {
	l := lifecycle{state: t.next}
	if err := t.recordChanges(l.start(t.now)); err != nil {
		return err
	}
	if l.due(t.now, forBid) {
		return t.close()
	}
	return t.syncEnding()
}

// close settles the auction at its current end time. The reserve is met
// when the leader's ceiling reaches it; the hammer price is then never below
// the reserve.
func (t *txn) close() error {
	s := t.next
	leader, hasLeader := s.leader()
	met := hasLeader && s.reserveMet(leader)

	data := event.AuctionClosedData{ReserveMet: met}
	if hasLeader {
		data.FinalPrice = s.Price
	}
	if met {
		hammer := s.Price
		if s.ReservePrice != nil {
			hammer = max(hammer, *s.ReservePrice)
		}
		fee, err := t.engine.fees.Calculate(hammer)
		if err != nil {
			return fmt.Errorf("auction %s: %w", s.ID, err)
		}
		winner := leader.BidderRef
		s.WinnerRef = &winner
		s.PlatformFee = &fee.Fee
		s.NetProceeds = &fee.NetProceeds
		data.FinalPrice = hammer
		data.WinnerRef = winner
		data.PlatformFee = fee.Fee
		data.NetProceeds = fee.NetProceeds
		t.settlement = &Settlement{
			AuctionID:   s.ID,
			WinnerRef:   winner,
			SellerRef:   s.SellerRef,
			HammerPrice: hammer,
			PlatformFee: fee.Fee,
			NetProceeds: fee.NetProceeds,
			ClosedAt:    s.CurrentEnd,
		}
	}

	closedAt := s.CurrentEnd
	s.Stage = StageClosed
	s.ClosedAt = &closedAt
	s.ReserveMet = &met
	if hasLeader {
		final := data.FinalPrice
		s.FinalPrice = &final
	}
	t.closed = true
	return t.emit(event.AuctionClosed, data)
}
