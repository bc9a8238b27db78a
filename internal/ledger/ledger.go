// Package ledger is the narrow contract the auction engine uses to read and
// move student balances. Balances are owned by the accounts system; the
// engine only reads them for advisory checks and transfers funds at
// settlement, always inside a transaction that also finalizes the auction.
package ledger

//go:generate mockgen -source=ledger.go -destination=mock_ledger.go -package=ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auction-engine/internal/models"
	"auction-engine/utils"

	"github.com/shopspring/decimal"
)

// DefaultAccountType is the currency account auctions settle against
const DefaultAccountType = "main"

var ErrInvalidTransfer = errors.New("invalid transfer")

// Reader reads balances without side effects
type Reader interface {
	GetBalance(ctx context.Context, userID, accountType string) (decimal.Decimal, error)
}

// Accessor reads balances and moves funds. Implementations bound to a
// transaction apply the transfer only if that transaction commits.
type Accessor interface {
	Reader
	Transfer(ctx context.Context, t Transfer) ([]models.TransactionLog, error)
}

// Transfer moves Amount from one user's account to another's
type Transfer struct {
	FromUserID  string
	ToUserID    string
	AccountType string
	Amount      decimal.Decimal
	AuctionID   string
	Description string
}

// Validate checks the transfer is well formed
func (t Transfer) Validate() error {
	switch {
	case t.FromUserID == "" || t.ToUserID == "":
		return fmt.Errorf("ledger: %w - missing account holder", ErrInvalidTransfer)
	case t.FromUserID == t.ToUserID:
		return fmt.Errorf("ledger: %w - source and destination are the same", ErrInvalidTransfer)
	case !t.Amount.IsPositive():
		return fmt.Errorf("ledger: %w - non-positive amount %s", ErrInvalidTransfer, t.Amount)
	case t.AccountType == "":
		return fmt.Errorf("ledger: %w - missing account type", ErrInvalidTransfer)
	}
	return nil
}

// Entries builds the debit and credit audit entries for a completed transfer
func Entries(t Transfer, fromAfter, toAfter decimal.Decimal, at time.Time) []models.TransactionLog {
	return []models.TransactionLog{
		{
			TransactionID: utils.GenerateID(),
			UserID:        t.FromUserID,
			AccountType:   t.AccountType,
			AuctionID:     t.AuctionID,
			Direction:     models.Debit,
			Amount:        t.Amount,
			BalanceAfter:  fromAfter,
			Description:   t.Description,
			CreatedAt:     at,
		},
		{
			TransactionID: utils.GenerateID(),
			UserID:        t.ToUserID,
			AccountType:   t.AccountType,
			AuctionID:     t.AuctionID,
			Direction:     models.Credit,
			Amount:        t.Amount,
			BalanceAfter:  toAfter,
			Description:   t.Description,
			CreatedAt:     at,
		},
	}
}
