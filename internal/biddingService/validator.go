package bidding

import (
	"context"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ledger"
	model "auction-engine/internal/models"
)

// CheckBid applies the rules that depend only on the auction snapshot, in
// priority order: self bidding, state, expiry, minimum amount. It returns a
// *biddingerrors.Rejection or nil.
func CheckBid(a model.Auction, bid model.Bid, now time.Time) error {
	if bid.BidderID == a.CreatorID {
		return biddingerrors.Reject(biddingerrors.ErrSelfBiddingForbidden,
			"bidder %s created auction %s", bid.BidderID, a.AuctionID)
	}
	if a.State != model.StateActive {
		return biddingerrors.Reject(biddingerrors.ErrAuctionNotActive,
			"auction %s is %s", a.AuctionID, a.State)
	}
	if !now.Before(a.EndTime) {
		return biddingerrors.Reject(biddingerrors.ErrAuctionExpired,
			"auction %s ended at %s", a.AuctionID, a.EndTime.Format(time.RFC3339))
	}
	if minimum := a.MinimumBid(); bid.Amount.LessThan(minimum) {
		return biddingerrors.Reject(biddingerrors.ErrBelowMinimumBid,
			"minimum bid is %s", minimum.String())
	}
	return nil
}

// Validator decides whether a bid is acceptable against a snapshot. The
// balance check is advisory: funds are only moved at settlement.
type Validator struct {
	balances    ledger.Reader
	accountType string
}

func NewValidator(balances ledger.Reader, accountType string) *Validator {
	if accountType == "" {
		accountType = ledger.DefaultAccountType
	}
	return &Validator{balances: balances, accountType: accountType}
}

// Validate returns nil when the bid is acceptable, a *biddingerrors.Rejection
// when a rule refuses it, or a wrapped infrastructure error when the balance
// could not be read.
func (v *Validator) Validate(ctx context.Context, a model.Auction, bid model.Bid, now time.Time) error {
	if err := CheckBid(a, bid, now); err != nil {
		return err
	}

	balance, err := v.balances.GetBalance(ctx, bid.BidderID, v.accountType)
	if err != nil {
		return fmt.Errorf("service: failed to read balance of %s: %w", bid.BidderID, err)
	}
	if balance.LessThan(bid.Amount) {
		return biddingerrors.Reject(biddingerrors.ErrInsufficientFunds,
			"balance %s is below bid %s", balance.String(), bid.Amount.String())
	}
	return nil
}
