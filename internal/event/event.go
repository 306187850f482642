package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated      Type = "auction.created"
	AuctionStageChanged Type = "auction.stage_changed"
	BidAccepted         Type = "auction.bid_accepted"
	LeaderChanged       Type = "auction.leader_changed"
	AuctionExtended     Type = "auction.extended"
	AuctionClosed       Type = "auction.closed"
	AuctionCancelled    Type = "auction.cancelled"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case AuctionCreated, AuctionStageChanged, BidAccepted, LeaderChanged,
		AuctionExtended, AuctionClosed, AuctionCancelled:
		return true
	}
	return false
}

// Event represents a single domain event. Version is the per-auction
// sequence number; it increases by one for every event of an aggregate.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int64           `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AuctionCreatedData is the payload for AuctionCreated events.
type AuctionCreatedData struct {
	SellerRef      string    `json:"seller_ref"`
	Title          string    `json:"title"`
	OpeningPrice   int64     `json:"opening_price"`
	MinIncrement   int64     `json:"min_increment"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
}

// StageChangedData is the payload for AuctionStageChanged events.
type StageChangedData struct {
	From          string `json:"from"`
	To            string `json:"to"`
	AuthorizerRef string `json:"authorizer_ref,omitempty"`
}

// BidAcceptedData is the payload for BidAccepted events.
type BidAcceptedData struct {
	BidID           string `json:"bid_id"`
	BidderRef       string `json:"bidder_ref"`
	Amount          int64  `json:"amount"`
	NewCurrentPrice int64  `json:"new_current_price"`
}

// LeaderChangedData is the payload for LeaderChanged events.
// An empty ref means no leader is shown.
type LeaderChangedData struct {
	PreviousLeaderRef string `json:"previous_leader_ref"`
	NewLeaderRef      string `json:"new_leader_ref"`
}

// AuctionExtendedData is the payload for AuctionExtended events.
type AuctionExtendedData struct {
	NewEndTime     time.Time `json:"new_end_time"`
	ExtensionCount int       `json:"extension_count"`
}

// AuctionClosedData is the payload for AuctionClosed events.
type AuctionClosedData struct {
	FinalPrice  int64  `json:"final_price"`
	WinnerRef   string `json:"winner_ref,omitempty"`
	ReserveMet  bool   `json:"reserve_met"`
	PlatformFee int64  `json:"platform_fee,omitempty"`
	NetProceeds int64  `json:"net_proceeds,omitempty"`
}

// AuctionCancelledData is the payload for AuctionCancelled events.
type AuctionCancelledData struct {
	Reason        string `json:"reason"`
	AuthorizerRef string `json:"authorizer_ref"`
}

// New builds an event with a JSON payload.
func New(aggregateID string, t Type, version int64, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateID: aggregateID,
		Type:        t,
		Data:        data,
		Version:     version,
		CreatedAt:   at,
	}, nil
}
