package biddingerrors

import (
	"errors"
	"fmt"
)

// Repository-level errors
var (
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrInsufficientBalance is returned by the ledger when a debit would overdraw an account
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Bid rejections, listed in the order the validator evaluates them
var (
	ErrSelfBiddingForbidden = errors.New("self bidding forbidden")
	ErrAuctionNotActive     = errors.New("auction not active")
	ErrAuctionExpired       = errors.New("auction expired")
	ErrBelowMinimumBid      = errors.New("bid below minimum")
	ErrInsufficientFunds    = errors.New("insufficient funds")
)

// State-transition errors
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrBidsAlreadyPlaced = errors.New("bids already placed")
	ErrAuctionNotStarted = errors.New("auction not started")
)

// Settlement errors
var (
	ErrInsufficientFundsAtSettlement = errors.New("insufficient funds at settlement")
)

// business logic errors
var (
	ErrInvalidAuction = errors.New("invalid auction")
	ErrInvalidBid     = errors.New("invalid bid")
	ErrForbidden      = errors.New("forbidden")
)

// Rejection is the typed outcome of a refused bid. Reason is one of the bid
// rejection sentinels so callers can match it with errors.Is.
type Rejection struct {
	Reason error
	Detail string
}

// Reject builds a Rejection for reason with a formatted detail
func Reject(reason error, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason.Error()
	}
	return r.Reason.Error() + ": " + r.Detail
}

func (r *Rejection) Unwrap() error {
	return r.Reason
}

// IsRejection reports whether err is an expected bid rejection rather than a failure
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// IsTransitionError reports whether err signals a lifecycle operation used out of order
func IsTransitionError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrBidsAlreadyPlaced) ||
		errors.Is(err, ErrAuctionNotStarted)
}
