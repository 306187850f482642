package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepos(t *testing.T) *store.Repositories {
	t.Helper()
	return memstore.New(clock.Mock{T: t0}).Repositories()
}

func auctionRow(id, stage string) store.Auction {
	return store.Auction{
		ID: id, SellerRef: "seller", Title: "Vase", Stage: stage,
		OpeningPrice: 10, MinIncrement: 5,
		ScheduledStart: t0, ScheduledEnd: t0.Add(time.Hour), CurrentEnd: t0.Add(time.Hour),
		CurrentPrice: 10,
	}
}

func TestCommit_CreateAndGet(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	if err := repos.Auctions.Commit(ctx, &store.Commit{Auction: auctionRow("a-1", "draft"), Create: true}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := repos.Auctions.GetByID(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Title != "Vase" || !got.CreatedAt.Equal(t0) {
		t.Errorf("got %+v", got)
	}

	err = repos.Auctions.Commit(ctx, &store.Commit{Auction: auctionRow("a-1", "draft"), Create: true})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("duplicate create error = %v, want ErrVersionConflict", err)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repos := newRepos(t)
	_, err := repos.Auctions.GetByID(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestGetByID_ReturnsCopy(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	leader := "alice"
	a := auctionRow("a-1", "live")
	a.LeaderRef = &leader
	if err := repos.Auctions.Commit(ctx, &store.Commit{Auction: a, Create: true}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, _ := repos.Auctions.GetByID(ctx, "a-1")
	*got.LeaderRef = "mallory"

	again, _ := repos.Auctions.GetByID(ctx, "a-1")
	if *again.LeaderRef != "alice" {
		t.Errorf("LeaderRef = %q, stored row was mutated through a returned copy", *again.LeaderRef)
	}
}

func TestCommit_Conflicts(t *testing.T) {
	tests := []struct {
		name   string
		commit func(a store.Auction) *store.Commit
	}{
		{
			name: "stale expected seq",
			commit: func(a store.Auction) *store.Commit {
				a.Seq = 3
				return &store.Commit{Auction: a, ExpectedSeq: 2}
			},
		},
		{
			name: "status change no longer applies",
			commit: func(a store.Auction) *store.Commit {
				a.Seq = 2
				return &store.Commit{
					Auction: a, ExpectedSeq: 1,
					StatusChanges: []store.BidStatusChange{{BidID: "b-1", From: "outbid", To: "leading"}},
				}
			},
		},
		{
			name: "duplicate bid seq",
			commit: func(a store.Auction) *store.Commit {
				a.Seq = 2
				return &store.Commit{
					Auction: a, ExpectedSeq: 1,
					NewBids: []store.Bid{{ID: "b-2", AuctionID: "a-1", Seq: 1}},
				}
			},
		},
		{
			name: "duplicate event version",
			commit: func(a store.Auction) *store.Commit {
				a.Seq = 2
				return &store.Commit{
					Auction: a, ExpectedSeq: 1,
					Events: []event.Event{{AggregateID: "a-1", Type: event.BidAccepted, Version: 1}},
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repos := newRepos(t)
			ctx := context.Background()
			a := auctionRow("a-1", "live")
			a.Seq = 1
			err := repos.Auctions.Commit(ctx, &store.Commit{
				Auction: a, Create: true,
				NewBids: []store.Bid{{ID: "b-1", AuctionID: "a-1", BidderRef: "alice", Amount: 10, Status: "leading", Seq: 1}},
				Events:  []event.Event{{AggregateID: "a-1", Type: event.BidAccepted, Version: 1}},
			})
			if err != nil {
				t.Fatalf("seed Commit: %v", err)
			}

			err = repos.Auctions.Commit(ctx, tt.commit(a))
			if !errors.Is(err, store.ErrVersionConflict) {
				t.Fatalf("Commit error = %v, want ErrVersionConflict", err)
			}

			got, _ := repos.Auctions.GetByID(ctx, "a-1")
			if got.Seq != 1 {
				t.Errorf("Seq = %d, want 1 (unchanged)", got.Seq)
			}
			bids, _ := repos.Bids.ListByAuction(ctx, "a-1")
			if len(bids) != 1 || bids[0].Status != "leading" {
				t.Errorf("bids = %+v, want the single seeded bid unchanged", bids)
			}
		})
	}
}

func TestListActive(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	for _, a := range []store.Auction{
		auctionRow("a-1", "draft"),
		auctionRow("a-2", "closed"),
		auctionRow("a-3", "ending"),
		auctionRow("a-4", "cancelled"),
	} {
		if err := repos.Auctions.Commit(ctx, &store.Commit{Auction: a, Create: true}); err != nil {
			t.Fatalf("Commit(%s): %v", a.ID, err)
		}
	}

	active, err := repos.Auctions.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a-1" || active[1].ID != "a-3" {
		t.Fatalf("ListActive = %+v, want a-1 and a-3", active)
	}
}

func TestEventStore_LoadAfterAndByType(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	a := auctionRow("a-1", "live")
	a.Seq = 3
	err := repos.Auctions.Commit(ctx, &store.Commit{
		Auction: a, Create: true,
		Events: []event.Event{
			{AggregateID: "a-1", Type: event.AuctionCreated, Version: 1},
			{AggregateID: "a-1", Type: event.BidAccepted, Version: 2},
			{AggregateID: "a-1", Type: event.LeaderChanged, Version: 3},
		},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, err := repos.Events.LoadAfter(ctx, "a-1", 1)
	if err != nil {
		t.Fatalf("LoadAfter: %v", err)
	}
	if len(after) != 2 || after[0].Version != 2 || after[1].Version != 3 {
		t.Fatalf("LoadAfter = %+v", after)
	}
	if after[0].ID == "" {
		t.Error("expected stored events to get an ID")
	}

	byType, err := repos.Events.LoadByType(ctx, event.BidAccepted)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(byType) != 1 {
		t.Fatalf("LoadByType returned %d events, want 1", len(byType))
	}
}
