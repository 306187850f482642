package auction

import (
	"slices"
	"time"
)

// StandingBid is the bid currently in effect for one bidder.
type StandingBid struct {
	BidID       string
	BidderRef   string
	Ceiling     int64
	SubmittedAt time.Time
	Seq         int64
}

// Pricing holds the values the resolver needs about an auction.
type Pricing struct {
	Opening   int64
	Increment int64
}

// Resolution is the outcome of resolving a new bid against the standing set.
type Resolution struct {
	// Standing is the new standing set, one entry per bidder.
	Standing []StandingBid
	// Leader indexes Standing.
	Leader int
	Price  int64
	// NewBidLeads reports whether the new bid holds leadership.
	NewBidLeads bool
	// Replaced is the bidder's previous standing bid, if any.
	Replaced *StandingBid
	// PreviousLeader is the leader before the new bid, if any.
	PreviousLeader *StandingBid
}

// LeaderBid returns the leading standing bid.
func (r Resolution) LeaderBid() StandingBid {
	return r.Standing[r.Leader]
}

// outranks reports whether a holds leadership over b: higher ceiling first,
// then earlier submission, then lower sequence number.
func outranks(a, b StandingBid) bool {
	if a.Ceiling != b.Ceiling {
		return a.Ceiling > b.Ceiling
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.Seq < b.Seq
}

// Rank returns the index of the leader and the runner-up in standing, or -1.
func Rank(standing []StandingBid) (leader, second int) {
	leader, second = -1, -1
	for i, b := range standing {
		switch {
		case leader < 0 || outranks(b, standing[leader]):
			second = leader
			leader = i
		case second < 0 || outranks(b, standing[second]):
			second = i
		}
	}
	return leader, second
}

// Price computes the observable price for a standing set: the opening price
// with a single bidder, otherwise the lower of the top ceiling and one
// increment above the runner-up's ceiling.
func (p Pricing) Price(standing []StandingBid) int64 {
	leader, second := Rank(standing)
	switch {
	case leader < 0:
		return p.Opening
	case second < 0:
		return p.Opening
	}
	return min(standing[leader].Ceiling, standing[second].Ceiling+p.Increment)
}

// MinimumBid returns the smallest amount a new bid may carry.
func (p Pricing) MinimumBid(price int64, hasStanding bool) int64 {
	if !hasStanding {
		return p.Opening
	}
	return price + p.Increment
}

// Resolve adds nb to the standing set, replacing any standing bid of the
// same bidder, and recomputes leader and price. It does not validate nb.
func Resolve(standing []StandingBid, nb StandingBid, p Pricing) Resolution {
	var res Resolution

	if l, _ := Rank(standing); l >= 0 {
		prev := standing[l]
		res.PreviousLeader = &prev
	}

	next := make([]StandingBid, 0, len(standing)+1)
	for _, b := range standing {
		if b.BidderRef == nb.BidderRef {
			old := b
			res.Replaced = &old
			continue
		}
		next = append(next, b)
	}
	next = append(next, nb)

	res.Standing = next
	res.Leader, _ = Rank(next)
	res.Price = p.Price(next)
	res.NewBidLeads = next[res.Leader].BidID == nb.BidID
	return res
}

// Replay folds bids, in sequence order, into a standing set and price.
func Replay(bids []StandingBid, p Pricing) (standing []StandingBid, price int64) {
	ordered := slices.Clone(bids)
	slices.SortFunc(ordered, func(a, b StandingBid) int { return int(a.Seq - b.Seq) })
	price = p.Opening
	for _, b := range ordered {
		res := Resolve(standing, b, p)
		standing = res.Standing
		price = res.Price
	}
	return standing, price
}
