// Package memstore provides the "memory" store driver. It keeps everything
// in process and is used for development and tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

func init() {
	store.Register("memory", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return New(clk).Repositories(), nil
	})
}

// Store holds auctions, bids and events in memory.
type Store struct {
	mu       sync.RWMutex
	clock    clock.Clock
	auctions map[string]store.Auction
	bids     map[string][]store.Bid
	events   []event.Event
	nextID   int64
}

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:    clk,
		auctions: make(map[string]store.Auction),
		bids:     make(map[string][]store.Bid),
	}
}

// Repositories exposes s through the store interfaces.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Auctions: (*auctionRepo)(s),
		Bids:     (*bidRepo)(s),
		Events:   (*eventStore)(s),
		Closer:   store.CloserFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}
}

type auctionRepo Store

func (r *auctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	a = copyAuction(a)
	return &a, nil
}

func (r *auctionRepo) ListActive(_ context.Context) ([]store.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Auction
	for _, a := range r.auctions {
		if slices.Contains(store.ActiveStages, a.Stage) {
			out = append(out, copyAuction(a))
		}
	}
	slices.SortFunc(out, func(x, y store.Auction) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		if x.ID < y.ID {
			return -1
		}
		if x.ID > y.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *auctionRepo) Commit(_ context.Context, c *store.Commit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()
	a := copyAuction(c.Auction)
	a.UpdatedAt = now

	existing, ok := r.auctions[a.ID]
	switch {
	case c.Create && ok:
		return fmt.Errorf("inserting auction %s: %w", a.ID, store.ErrVersionConflict)
	case c.Create:
		a.CreatedAt = now
	case !ok:
		return fmt.Errorf("auction %s: %w", a.ID, store.ErrNotFound)
	case existing.Seq != c.ExpectedSeq:
		return fmt.Errorf("auction %s at seq %d: %w", a.ID, c.ExpectedSeq, store.ErrVersionConflict)
	default:
		a.CreatedAt = existing.CreatedAt
	}

	// Validate everything before mutating so a failed commit changes nothing.
	bids := slices.Clone(r.bids[a.ID])
	for _, b := range c.NewBids {
		for _, old := range bids {
			if old.ID == b.ID || old.Seq == b.Seq {
				return fmt.Errorf("inserting bid %s: %w", b.ID, store.ErrVersionConflict)
			}
		}
		bids = append(bids, copyBid(b))
	}
	for _, sc := range c.StatusChanges {
		i := slices.IndexFunc(bids, func(b store.Bid) bool { return b.ID == sc.BidID })
		if i < 0 || bids[i].Status != sc.From {
			return fmt.Errorf("bid %s is no longer %s: %w", sc.BidID, sc.From, store.ErrVersionConflict)
		}
		bids[i].Status = sc.To
	}
	for _, e := range c.Events {
		for _, old := range r.events {
			if old.AggregateID == e.AggregateID && old.Version == e.Version {
				return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, store.ErrVersionConflict)
			}
		}
	}

	r.auctions[a.ID] = a
	r.bids[a.ID] = bids
	for _, e := range c.Events {
		r.nextID++
		e.ID = strconv.FormatInt(r.nextID, 10)
		e.Data = slices.Clone(e.Data)
		r.events = append(r.events, e)
	}
	return nil
}

type bidRepo Store

func (r *bidRepo) ListByAuction(_ context.Context, auctionID string) ([]store.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.bids[auctionID]
	out := make([]store.Bid, 0, len(src))
	for _, b := range src {
		out = append(out, copyBid(b))
	}
	slices.SortFunc(out, func(x, y store.Bid) int { return int(x.Seq - y.Seq) })
	return out, nil
}

type eventStore Store

func (s *eventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	return s.LoadAfter(ctx, aggregateID, 0)
}

func (s *eventStore) LoadAfter(_ context.Context, aggregateID string, after int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID && e.Version > after {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(x, y event.Event) int { return int(x.Version - y.Version) })
	return out, nil
}

func (s *eventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

func copyAuction(a store.Auction) store.Auction {
	a.ReservePrice = clonePtr(a.ReservePrice)
	a.ExtensionCap = clonePtr(a.ExtensionCap)
	a.LeaderRef = clonePtr(a.LeaderRef)
	a.LeaderBidID = clonePtr(a.LeaderBidID)
	a.FinalPrice = clonePtr(a.FinalPrice)
	a.WinnerRef = clonePtr(a.WinnerRef)
	a.ReserveMet = clonePtr(a.ReserveMet)
	a.PlatformFee = clonePtr(a.PlatformFee)
	a.NetProceeds = clonePtr(a.NetProceeds)
	a.ClosedAt = clonePtr(a.ClosedAt)
	return a
}

func copyBid(b store.Bid) store.Bid {
	b.ProxyCeiling = clonePtr(b.ProxyCeiling)
	return b
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
