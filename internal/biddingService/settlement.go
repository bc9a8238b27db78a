package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ledger"
	"auction-engine/internal/metrics"
	model "auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/utils"
)

// Settler finalizes auctions: it picks the winner, moves the funds and marks
// the lot completed in a single transaction.
type Settler struct {
	repo        repository.AuctionDB
	accountType string
}

func NewSettler(repo repository.AuctionDB, accountType string) *Settler {
	if accountType == "" {
		accountType = ledger.DefaultAccountType
	}
	return &Settler{repo: repo, accountType: accountType}
}

// Settle closes an ACTIVE auction. On a lot that is already COMPLETED or
// CANCELLED it returns the recorded outcome and applied is false; nothing is
// transferred twice. If the winner can no longer pay, the whole settlement is
// rolled back and the auction stays ACTIVE.
func (s *Settler) Settle(ctx context.Context, auctionID string, now time.Time) (outcome model.Outcome, applied bool, err error) {
	err = s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		a, err := tx.LockAuction(ctx, auctionID)
		if err != nil {
			return err
		}

		switch a.State {
		case model.StateCompleted, model.StateCancelled:
			outcome = model.OutcomeOf(a)
			return nil
		case model.StateDraft:
			return fmt.Errorf("service: %w - auction %s was never activated", biddingerrors.ErrInvalidTransition, auctionID)
		}

		bids, err := tx.ListBids(ctx, auctionID)
		if err != nil {
			return err
		}

		a.State = model.StateCompleted
		a.ClosedAt = &now
		a.UpdatedAt = now

		if winner, ok := WinningBid(bids); ok {
			_, err := tx.Ledger().Transfer(ctx, ledger.Transfer{
				FromUserID:  winner.BidderID,
				ToUserID:    a.CreatorID,
				AccountType: s.accountType,
				Amount:      winner.Amount,
				AuctionID:   a.AuctionID,
				Description: fmt.Sprintf("auction %q won with bid %s", a.Title, winner.BidID),
			})
			if errors.Is(err, biddingerrors.ErrInsufficientBalance) {
				return fmt.Errorf("service: %w - winner %s cannot cover %s: %v",
					biddingerrors.ErrInsufficientFundsAtSettlement, winner.BidderID, winner.Amount.String(), err)
			}
			if err != nil {
				return fmt.Errorf("service: failed to transfer funds for auction %s: %w", auctionID, err)
			}
			a.WinnerID = &winner.BidderID
			a.WinningBidID = &winner.BidID
			a.CurrentPrice = winner.Amount
		}

		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		outcome = model.OutcomeOf(a)
		applied = true
		return nil
	})

	switch {
	case err == nil && applied:
		metrics.RecordSettlement(settlementResult(outcome))
	case errors.Is(err, biddingerrors.ErrInsufficientFundsAtSettlement):
		metrics.RecordSettlement("insufficient_funds")
		utils.Warn("settlement failed: winner cannot pay", map[string]any{
			"auction_id": auctionID,
			"error":      err.Error(),
		})
	}
	return outcome, applied, err
}

func settlementResult(o model.Outcome) string {
	if o.WinnerID == nil {
		return "no_bids"
	}
	return "sold"
}

// WinningBid picks the highest amount. Ties go to the earliest bid, then to
// the lowest sequence number.
func WinningBid(bids []model.Bid) (model.Bid, bool) {
	if len(bids) == 0 {
		return model.Bid{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		switch cmp := b.Amount.Cmp(best.Amount); {
		case cmp > 0:
			best = b
		case cmp == 0 && b.CreatedAt.Before(best.CreatedAt):
			best = b
		case cmp == 0 && b.CreatedAt.Equal(best.CreatedAt) && b.Seq < best.Seq:
			best = b
		}
	}
	return best, true
}
