package auction

import (
	"fmt"
	"slices"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/store"
)

// Settings are the listing parameters of a new auction.
type Settings struct {
	SellerRef         string
	Title             string
	OpeningPrice      int64
	ReservePrice      *int64
	MinIncrement      int64
	ScheduledStart    time.Time
	ScheduledEnd      time.Time
	ExtensionWindow   time.Duration
	ExtensionDuration time.Duration
	ExtensionCap      *int
}

// Validate checks listing parameters.
func (s Settings) Validate() error {
	switch {
	case s.SellerRef == "":
		return fmt.Errorf("%w: seller reference is required", ErrInvalidSettings)
	case s.OpeningPrice <= 0:
		return fmt.Errorf("%w: opening price must be positive", ErrInvalidSettings)
	case s.MinIncrement <= 0:
		return fmt.Errorf("%w: minimum increment must be positive", ErrInvalidSettings)
	case !s.ScheduledStart.Before(s.ScheduledEnd):
		return fmt.Errorf("%w: scheduled start must be before scheduled end", ErrInvalidSettings)
	case s.ReservePrice != nil && *s.ReservePrice < s.OpeningPrice:
		return fmt.Errorf("%w: reserve price must not be below the opening price", ErrInvalidSettings)
	}
	return s.Policy().Validate()
}

// Policy returns the auction's extension policy.
func (s Settings) Policy() ExtensionPolicy {
	return ExtensionPolicy{Window: s.ExtensionWindow, Duration: s.ExtensionDuration, Cap: s.ExtensionCap}
}

// Pricing returns the auction's price parameters.
func (s Settings) Pricing() Pricing {
	return Pricing{Opening: s.OpeningPrice, Increment: s.MinIncrement}
}

// BidStatus is the outcome status of a bid.
type BidStatus string

const (
	BidLeading  BidStatus = "leading"
	BidOutbid   BidStatus = "outbid"
	BidRejected BidStatus = "rejected"
	// BidAccepted is shown to observers instead of BidLeading while the
	// reserve is not met.
	BidAccepted BidStatus = "accepted"
)

// State is the in-memory state of one auction. It is owned by the auction's
// unit and only mutated on a copy inside the critical section.
type State struct {
	ID string
	Settings
	Stage          Stage
	CurrentEnd     time.Time
	ExtensionCount int
	Price          int64
	Standing       []StandingBid
	Seq            int64
	CreatedAt      time.Time

	FinalPrice  *int64
	WinnerRef   *string
	ReserveMet  *bool
	PlatformFee *int64
	NetProceeds *int64
	ClosedAt    *time.Time
}

func (s *State) clone() *State {
	c := *s
	c.Standing = slices.Clone(s.Standing)
	return &c
}

// leader returns the internal leader regardless of the reserve.
func (s *State) leader() (StandingBid, bool) {
	l, _ := Rank(s.Standing)
	if l < 0 {
		return StandingBid{}, false
	}
	return s.Standing[l], true
}

func (s *State) reserveMet(leader StandingBid) bool {
	return s.ReservePrice == nil || leader.Ceiling >= *s.ReservePrice
}

// visibleLeader returns the leader observers may see: nobody while the
// reserve is unmet or once the auction is cancelled.
func (s *State) visibleLeader() string {
	if s.Stage == StageCancelled {
		return ""
	}
	l, ok := s.leader()
	if !ok || !s.reserveMet(l) {
		return ""
	}
	return l.BidderRef
}

// Snapshot is the observer-facing state of an auction.
type Snapshot struct {
	AuctionID      string     `json:"auction_id"`
	Seq            int64      `json:"seq"`
	Title          string     `json:"title"`
	Stage          Stage      `json:"stage"`
	LeaderRef      string     `json:"leader_ref,omitempty"`
	CurrentPrice   int64      `json:"current_price"`
	MinimumBid     int64      `json:"minimum_bid"`
	BidderCount    int        `json:"bidder_count"`
	ReserveMet     bool       `json:"reserve_met"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	CurrentEnd     time.Time  `json:"current_end"`
	ExtensionCount int        `json:"extension_count"`
	FinalPrice     *int64     `json:"final_price,omitempty"`
	WinnerRef      string     `json:"winner_ref,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Snapshot returns the observer-facing view of s.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		AuctionID:      s.ID,
		Seq:            s.Seq,
		Title:          s.Title,
		Stage:          s.Stage,
		LeaderRef:      s.visibleLeader(),
		CurrentPrice:   s.Price,
		MinimumBid:     s.Pricing().MinimumBid(s.Price, len(s.Standing) > 0),
		BidderCount:    len(s.Standing),
		ScheduledStart: s.ScheduledStart,
		CurrentEnd:     s.CurrentEnd,
		ExtensionCount: s.ExtensionCount,
		FinalPrice:     s.FinalPrice,
		ClosedAt:       s.ClosedAt,
	}
	if l, ok := s.leader(); ok {
		snap.ReserveMet = s.reserveMet(l)
	}
	if s.WinnerRef != nil {
		snap.WinnerRef = *s.WinnerRef
	}
	return snap
}

// record converts s into its Auctions table row.
func (s *State) record() store.Auction {
	rec := store.Auction{
		ID:                  s.ID,
		SellerRef:           s.SellerRef,
		Title:               s.Title,
		Stage:               string(s.Stage),
		OpeningPrice:        s.OpeningPrice,
		ReservePrice:        s.ReservePrice,
		MinIncrement:        s.MinIncrement,
		ScheduledStart:      s.ScheduledStart,
		ScheduledEnd:        s.ScheduledEnd,
		CurrentEnd:          s.CurrentEnd,
		ExtensionWindowMS:   s.ExtensionWindow.Milliseconds(),
		ExtensionDurationMS: s.ExtensionDuration.Milliseconds(),
		ExtensionCap:        s.ExtensionCap,
		ExtensionCount:      s.ExtensionCount,
		CurrentPrice:        s.Price,
		FinalPrice:          s.FinalPrice,
		WinnerRef:           s.WinnerRef,
		ReserveMet:          s.ReserveMet,
		PlatformFee:         s.PlatformFee,
		NetProceeds:         s.NetProceeds,
		Seq:                 s.Seq,
		CreatedAt:           s.CreatedAt,
		ClosedAt:            s.ClosedAt,
	}
	if l, ok := s.leader(); ok {
		ref, id := l.BidderRef, l.BidID
		rec.LeaderRef = &ref
		rec.LeaderBidID = &id
	}
	return rec
}

// stateFromRecord rebuilds a State from its row and bids log. The standing
// set and price are recomputed from the log; the cached columns on the row
// are only compared against by the caller.
func stateFromRecord(rec store.Auction, bids []store.Bid) (*State, error) {
	stage, err := ParseStage(rec.Stage)
	if err != nil {
		return nil, fmt.Errorf("auction %s: %w", rec.ID, err)
	}
	s := &State{
		ID: rec.ID,
		Settings: Settings{
			SellerRef:         rec.SellerRef,
			Title:             rec.Title,
			OpeningPrice:      rec.OpeningPrice,
			ReservePrice:      rec.ReservePrice,
			MinIncrement:      rec.MinIncrement,
			ScheduledStart:    rec.ScheduledStart,
			ScheduledEnd:      rec.ScheduledEnd,
			ExtensionWindow:   time.Duration(rec.ExtensionWindowMS) * time.Millisecond,
			ExtensionDuration: time.Duration(rec.ExtensionDurationMS) * time.Millisecond,
			ExtensionCap:      rec.ExtensionCap,
		},
		Stage:          stage,
		CurrentEnd:     rec.CurrentEnd,
		ExtensionCount: rec.ExtensionCount,
		Seq:            rec.Seq,
		CreatedAt:      rec.CreatedAt,
		FinalPrice:     rec.FinalPrice,
		WinnerRef:      rec.WinnerRef,
		ReserveMet:     rec.ReserveMet,
		PlatformFee:    rec.PlatformFee,
		NetProceeds:    rec.NetProceeds,
		ClosedAt:       rec.ClosedAt,
	}

	log := make([]StandingBid, 0, len(bids))
	for _, b := range bids {
		log = append(log, standingFromRecord(b))
	}
	s.Standing, s.Price = Replay(log, s.Pricing())
	return s, nil
}

func standingFromRecord(b store.Bid) StandingBid {
	ceiling := b.Amount
	if b.ProxyCeiling != nil {
		ceiling = *b.ProxyCeiling
	}
	return StandingBid{
		BidID:       b.ID,
		BidderRef:   b.BidderRef,
		Ceiling:     ceiling,
		SubmittedAt: b.SubmittedAt,
		Seq:         b.Seq,
	}
}

// Bid is the observer view of a bid. Proxy ceilings are never exposed.
type Bid struct {
	ID          string    `json:"id"`
	BidderRef   string    `json:"bidder_ref"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      BidStatus `json:"status"`
	Seq         int64     `json:"seq"`
}

// observerBids converts the bids log into observer views, hiding the
// leading status while the reserve is unmet.
func observerBids(bids []store.Bid, snap Snapshot) []Bid {
	out := make([]Bid, 0, len(bids))
	for _, b := range bids {
		status := BidStatus(b.Status)
		if status == BidLeading && snap.LeaderRef == "" {
			status = BidAccepted
		}
		out = append(out, Bid{
			ID:          b.ID,
			BidderRef:   b.BidderRef,
			Amount:      b.Amount,
			SubmittedAt: b.SubmittedAt,
			Status:      status,
			Seq:         b.Seq,
		})
	}
	return out
}
