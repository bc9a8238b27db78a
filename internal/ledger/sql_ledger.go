package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx
type Querier interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// SQLLedger is the Postgres-backed Accessor. Bound to a *sqlx.Tx it takes
// part in the caller's transaction; bound to a *sqlx.DB it is only suitable
// for reads.
type SQLLedger struct {
	q   Querier
	now func() time.Time
}

func NewSQLLedger(q Querier) *SQLLedger {
	return &SQLLedger{
		q:   q,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetBalance returns the balance of an account. A missing account reads as zero.
func (l *SQLLedger) GetBalance(ctx context.Context, userID, accountType string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, l.q, &balance,
		`SELECT balance FROM balances WHERE user_id = $1 AND account_type = $2`,
		userID, accountType)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: get balance for %s: %w", userID, err)
	}
	return balance, nil
}

// Transfer debits the sender, credits the receiver and writes both audit entries.
func (l *SQLLedger) Transfer(ctx context.Context, t Transfer) ([]models.TransactionLog, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	// Lock accounts in consistent order to prevent deadlocks
	first, second := t.FromUserID, t.ToUserID
	if first > second {
		first, second = second, first
	}
	locked := make(map[string]decimal.Decimal, 2)
	for _, userID := range []string{first, second} {
		balance, err := l.lockBalance(ctx, userID, t.AccountType)
		if err != nil {
			return nil, err
		}
		locked[userID] = balance
	}

	if locked[t.FromUserID].LessThan(t.Amount) {
		return nil, fmt.Errorf("ledger: debit %s from %s (balance %s): %w",
			t.Amount, t.FromUserID, locked[t.FromUserID], biddingerrors.ErrInsufficientBalance)
	}

	now := l.now()

	var fromAfter decimal.Decimal
	err := l.q.QueryRowxContext(ctx, `
		UPDATE balances SET balance = balance - $1, updated_at = $2
		WHERE user_id = $3 AND account_type = $4
		RETURNING balance`,
		t.Amount, now, t.FromUserID, t.AccountType).Scan(&fromAfter)
	if err != nil {
		return nil, fmt.Errorf("ledger: debit %s: %w", t.FromUserID, err)
	}

	var toAfter decimal.Decimal
	err = l.q.QueryRowxContext(ctx, `
		INSERT INTO balances (user_id, account_type, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, account_type)
		DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		RETURNING balance`,
		t.ToUserID, t.AccountType, t.Amount, now).Scan(&toAfter)
	if err != nil {
		return nil, fmt.Errorf("ledger: credit %s: %w", t.ToUserID, err)
	}

	entries := Entries(t, fromAfter, toAfter, now)
	for _, e := range entries {
		if err := l.insertEntry(ctx, e); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (l *SQLLedger) lockBalance(ctx context.Context, userID, accountType string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, l.q, &balance,
		`SELECT balance FROM balances WHERE user_id = $1 AND account_type = $2 FOR UPDATE`,
		userID, accountType)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: lock account %s: %w", userID, err)
	}
	return balance, nil
}

func (l *SQLLedger) insertEntry(ctx context.Context, e models.TransactionLog) error {
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO transaction_logs
			(id, user_id, account_type, auction_id, direction, amount, balance_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.TransactionID, e.UserID, e.AccountType, e.AuctionID, e.Direction,
		e.Amount, e.BalanceAfter, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: write %s entry for %s: %w", e.Direction, e.UserID, err)
	}
	return nil
}
