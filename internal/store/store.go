package store

import (
	"context"
	"errors"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/event"
)

// Errors returned by repositories.
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
)

// Auction is the Auctions table row. CurrentPrice, LeaderRef and LeaderBidID
// are a cache that can be rebuilt from the bids log.
type Auction struct {
	ID                  string     `db:"id"`
	SellerRef           string     `db:"seller_ref"`
	Title               string     `db:"title"`
	Stage               string     `db:"stage"`
	OpeningPrice        int64      `db:"opening_price"`
	ReservePrice        *int64     `db:"reserve_price"`
	MinIncrement        int64      `db:"min_increment"`
	ScheduledStart      time.Time  `db:"scheduled_start"`
	ScheduledEnd        time.Time  `db:"scheduled_end"`
	CurrentEnd          time.Time  `db:"current_end"`
	ExtensionWindowMS   int64      `db:"extension_window_ms"`
	ExtensionDurationMS int64      `db:"extension_duration_ms"`
	ExtensionCap        *int       `db:"extension_cap"`
	ExtensionCount      int        `db:"extension_count"`
	CurrentPrice        int64      `db:"current_price"`
	LeaderRef           *string    `db:"leader_ref"`
	LeaderBidID         *string    `db:"leader_bid_id"`
	FinalPrice          *int64     `db:"final_price"`
	WinnerRef           *string    `db:"winner_ref"`
	ReserveMet          *bool      `db:"reserve_met"`
	PlatformFee         *int64     `db:"platform_fee"`
	NetProceeds         *int64     `db:"net_proceeds"`
	Seq                 int64      `db:"seq"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	ClosedAt            *time.Time `db:"closed_at"`
}

// Bid is a row of the append-only bids log.
type Bid struct {
	ID           string    `db:"id"`
	AuctionID    string    `db:"auction_id"`
	BidderRef    string    `db:"bidder_ref"`
	Amount       int64     `db:"amount"`
	ProxyCeiling *int64    `db:"proxy_ceiling"`
	SubmittedAt  time.Time `db:"submitted_at"`
	Status       string    `db:"status"`
	Seq          int64     `db:"seq"`
}

// BidStatusChange relabels a persisted bid. It only applies while the bid
// still carries From.
type BidStatusChange struct {
	BidID string
	From  string
	To    string
}

// Commit is everything one critical section writes. It is applied in a
// single transaction.
type Commit struct {
	Auction Auction
	// Create inserts the auction row instead of updating it.
	Create bool
	// ExpectedSeq is the seq the stored row must still have for an update.
	ExpectedSeq   int64
	NewBids       []Bid
	StatusChanges []BidStatusChange
	Events        []event.Event
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	GetByID(ctx context.Context, id string) (*Auction, error)
	// ListActive returns auctions that are neither closed nor cancelled.
	ListActive(ctx context.Context) ([]Auction, error)
	// Commit applies c atomically. It returns ErrVersionConflict when the
	// stored seq differs from c.ExpectedSeq or a status change no longer applies.
	Commit(ctx context.Context, c *Commit) error
}

// BidRepository defines read access to the bids log.
type BidRepository interface {
	// ListByAuction returns all bids of an auction ordered by seq.
	ListByAuction(ctx context.Context, auctionID string) ([]Bid, error)
}
