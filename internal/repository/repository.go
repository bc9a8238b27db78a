package repository

//go:generate mockgen -source=repository.go -destination=mock_repository.go -package=repository

import (
	"context"
	"time"

	"auction-engine/internal/ledger"
	model "auction-engine/internal/models"
)

// AuctionDB is the durable store of auctions and their bid history. It is
// the single source of truth; every mutation goes through WithinTx.
type AuctionDB interface {
	CreateAuction(ctx context.Context, auction model.Auction) error
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	ListAuctions(ctx context.Context) ([]model.Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
	// ListDue returns drafts whose start time has passed and active auctions
	// whose end time has passed.
	ListDue(ctx context.Context, now time.Time) ([]model.Auction, error)
	// WithinTx runs fn in one transaction, committing only if fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view handed to WithinTx callbacks
type Tx interface {
	// LockAuction reads an auction and holds it exclusively until the transaction ends
	LockAuction(ctx context.Context, auctionID string) (model.Auction, error)
	UpdateAuction(ctx context.Context, auction model.Auction) error
	// InsertBid appends a bid and returns it with its acceptance sequence number
	InsertBid(ctx context.Context, bid model.Bid) (model.Bid, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
	// Ledger moves balances as part of this transaction
	Ledger() ledger.Accessor
}
