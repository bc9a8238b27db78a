package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ledger"
	model "auction-engine/internal/models"
	"auction-engine/utils"

	"github.com/jmoiron/sqlx"
)

const auctionColumns = `id, title, description, image_ref, starting_price, current_price, min_increment,
	start_time, end_time, state, creator_id, winner_id, winning_bid_id, bid_count, closed_at, created_at, updated_at`

const bidColumns = `id, auction_id, bidder_id, amount, comment, seq, created_at`

// PostgresRepo is the relational AuctionDB. Mutations run in read-committed
// transactions that row-lock the auction they touch.
type PostgresRepo struct {
	db *sqlx.DB
}

// NewPostgresRepo wraps an open connection pool
func NewPostgresRepo(db *sqlx.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Ledger returns a non-transactional ledger view for advisory balance reads
func (r *PostgresRepo) Ledger() *ledger.SQLLedger {
	return ledger.NewSQLLedger(r.db)
}

func (r *PostgresRepo) CreateAuction(ctx context.Context, a model.Auction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auctions (`+auctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.AuctionID, a.Title, a.Description, a.ImageRef, a.StartingPrice, a.CurrentPrice, a.MinIncrement,
		a.StartTime, a.EndTime, a.State, a.CreatorID, a.WinnerID, a.WinningBidID, a.BidCount,
		a.ClosedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create auction %s: %w", a.AuctionID, err)
	}
	return nil
}

func (r *PostgresRepo) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	if err := checkAuctionID("get auction", auctionID); err != nil {
		return model.Auction{}, err
	}
	var a model.Auction
	err := r.db.GetContext(ctx, &a, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, err)
	}
	return a, nil
}

func (r *PostgresRepo) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	auctions := []model.Auction{}
	if err := r.db.SelectContext(ctx, &auctions, `SELECT `+auctionColumns+` FROM auctions ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	return auctions, nil
}

func (r *PostgresRepo) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := r.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	return listBids(ctx, r.db, auctionID)
}

func (r *PostgresRepo) ListDue(ctx context.Context, now time.Time) ([]model.Auction, error) {
	due := []model.Auction{}
	err := r.db.SelectContext(ctx, &due, `
		SELECT `+auctionColumns+` FROM auctions
		WHERE (state = $1 AND start_time <= $3) OR (state = $2 AND end_time <= $3)
		ORDER BY end_time, id`,
		model.StateDraft, model.StateActive, now)
	if err != nil {
		return nil, fmt.Errorf("list due auctions: %w", err)
	}
	return due, nil
}

func (r *PostgresRepo) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	if err := checkAuctionID("lock auction", auctionID); err != nil {
		return model.Auction{}, err
	}
	var a model.Auction
	err := t.tx.GetContext(ctx, &a, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Auction{}, fmt.Errorf("lock auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	if err != nil {
		return model.Auction{}, fmt.Errorf("lock auction %s: %w", auctionID, err)
	}
	return a, nil
}

func (t *pgTx) UpdateAuction(ctx context.Context, a model.Auction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE auctions
		SET state = $1, current_price = $2, bid_count = $3, winner_id = $4, winning_bid_id = $5,
			closed_at = $6, updated_at = $7
		WHERE id = $8`,
		a.State, a.CurrentPrice, a.BidCount, a.WinnerID, a.WinningBidID, a.ClosedAt, a.UpdatedAt, a.AuctionID)
	if err != nil {
		return fmt.Errorf("update auction %s: %w", a.AuctionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update auction %s: %w", a.AuctionID, err)
	}
	if n == 0 {
		return fmt.Errorf("update auction %s: %w", a.AuctionID, biddingerrors.ErrAuctionNotFound)
	}
	return nil
}

func (t *pgTx) InsertBid(ctx context.Context, b model.Bid) (model.Bid, error) {
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		b.BidID, b.AuctionID, b.BidderID, b.Amount, b.Comment, b.CreatedAt).Scan(&b.Seq)
	if err != nil {
		return model.Bid{}, fmt.Errorf("record bid for auction %s: %w", b.AuctionID, err)
	}
	return b, nil
}

func (t *pgTx) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	return listBids(ctx, t.tx, auctionID)
}

func (t *pgTx) Ledger() ledger.Accessor {
	return ledger.NewSQLLedger(t.tx)
}

// checkAuctionID rejects ids the uuid column cannot hold; no auction has one
func checkAuctionID(op, auctionID string) error {
	if !utils.ValidID(auctionID) {
		return fmt.Errorf("%s %q: %w", op, auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return nil
}

func listBids(ctx context.Context, q sqlx.QueryerContext, auctionID string) ([]model.Bid, error) {
	bids := []model.Bid{}
	if err := sqlx.SelectContext(ctx, q, &bids,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY seq`, auctionID); err != nil {
		return nil, fmt.Errorf("list bids for auction %s: %w", auctionID, err)
	}
	return bids, nil
}
