package auction

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the engine wraps exactly one of
// these, so callers can branch with errors.Is on the class.
var (
	ErrValidation    = errors.New("validation error")
	ErrState         = errors.New("state error")
	ErrConflict      = errors.New("concurrency conflict, try again")
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("configuration error")
)

// Specific errors.
var (
	ErrBidTooLow          = fmt.Errorf("%w: bid is below the required minimum", ErrValidation)
	ErrCeilingBelowAmount = fmt.Errorf("%w: proxy ceiling is below the submitted amount", ErrValidation)
	ErrMalformedBid       = fmt.Errorf("%w: malformed bid", ErrValidation)
	ErrMissingAuthorizer  = fmt.Errorf("%w: authorizer reference is required", ErrValidation)

	ErrNotAcceptingBids  = fmt.Errorf("%w: auction is not accepting bids", ErrState)
	ErrInvalidTransition = fmt.Errorf("%w: invalid stage transition", ErrState)

	ErrAuctionNotFound = fmt.Errorf("%w: auction", ErrNotFound)

	ErrInvalidSettings = fmt.Errorf("%w: invalid auction settings", ErrConfiguration)
)

// RejectionReason returns a short machine-readable reason for err, used for
// metrics and API responses.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrCeilingBelowAmount):
		return "ceiling_below_amount"
	case errors.Is(err, ErrMissingAuthorizer):
		return "missing_authorizer"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotAcceptingBids):
		return "not_accepting_bids"
	case errors.Is(err, ErrState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "internal"
	}
}
