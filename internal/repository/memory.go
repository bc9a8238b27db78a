package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ledger"
	model "auction-engine/internal/models"

	"github.com/shopspring/decimal"
)

type balanceKey struct {
	userID      string
	accountType string
}

// MemoryRepo is a concurrency-safe in-memory implementation of AuctionDB. It
// also keeps balances and transaction logs so settlement can run against it
// end to end. A transaction holds the write lock for its whole duration and
// stages its writes, so a failed callback leaves nothing behind.
type MemoryRepo struct {
	mu       sync.RWMutex
	auctions map[string]model.Auction  // key: auctionID -> value: auction
	order    []string                  // auctionIDs in creation order
	bids     map[string][]model.Bid    // key: auctionID -> value: bids in acceptance order
	nextSeq  int64                     // last assigned bid sequence number
	balances map[balanceKey]decimal.Decimal
	logs     []model.TransactionLog
	now      func() time.Time
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		auctions: make(map[string]model.Auction),
		bids:     make(map[string][]model.Bid),
		balances: make(map[balanceKey]decimal.Decimal),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateAuction stores a new auction
func (r *MemoryRepo) CreateAuction(ctx context.Context, auction model.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if auction.AuctionID == "" {
		return fmt.Errorf("create auction: %w - empty id", biddingerrors.ErrInvalidAuction)
	}
	if _, ok := r.auctions[auction.AuctionID]; ok {
		return fmt.Errorf("create auction %s: %w - duplicate id", auction.AuctionID, biddingerrors.ErrInvalidAuction)
	}
	r.auctions[auction.AuctionID] = auction
	r.order = append(r.order, auction.AuctionID)
	return nil
}

// GetAuction returns the latest committed snapshot of an auction
func (r *MemoryRepo) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	auction, ok := r.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return auction, nil
}

// ListAuctions returns all auctions in creation order
func (r *MemoryRepo) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	auctions := make([]model.Auction, 0, len(r.order))
	for _, id := range r.order {
		auctions = append(auctions, r.auctions[id])
	}
	return auctions, nil
}

// ListBids returns the bid history of an auction in acceptance order
func (r *MemoryRepo) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("list bids for auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return append([]model.Bid{}, r.bids[auctionID]...), nil
}

// ListDue returns auctions the scheduler has to activate or close at now
func (r *MemoryRepo) ListDue(ctx context.Context, now time.Time) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []model.Auction
	for _, id := range r.order {
		a := r.auctions[id]
		switch {
		case a.State == model.StateDraft && !now.Before(a.StartTime):
			due = append(due, a)
		case a.State == model.StateActive && !now.Before(a.EndTime):
			due = append(due, a)
		}
	}
	return due, nil
}

// WithinTx runs fn against a staged view of the repository and applies the
// staged writes only when fn succeeds.
func (r *MemoryRepo) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{
		repo:     r,
		auctions: make(map[string]model.Auction),
		balances: make(map[balanceKey]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	tx.commit()
	return nil
}

// GetBalance reads a committed balance. Missing accounts read as zero.
func (r *MemoryRepo) GetBalance(ctx context.Context, userID, accountType string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[balanceKey{userID, accountType}], nil
}

// SetBalance overwrites a balance. This method is intended for seeding and tests only.
func (r *MemoryRepo) SetBalance(userID, accountType string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[balanceKey{userID, accountType}] = amount
}

// TransactionLogs returns the audit entries written for an auction
func (r *MemoryRepo) TransactionLogs(auctionID string) []model.TransactionLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var logs []model.TransactionLog
	for _, l := range r.logs {
		if l.AuctionID == auctionID {
			logs = append(logs, l)
		}
	}
	return logs
}

type memTx struct {
	repo     *MemoryRepo
	auctions map[string]model.Auction
	bids     []model.Bid
	balances map[balanceKey]decimal.Decimal
	logs     []model.TransactionLog
}

func (tx *memTx) auction(auctionID string) (model.Auction, bool) {
	if a, ok := tx.auctions[auctionID]; ok {
		return a, true
	}
	a, ok := tx.repo.auctions[auctionID]
	return a, ok
}

// LockAuction needs no extra locking: the transaction already holds the store exclusively
func (tx *memTx) LockAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	a, ok := tx.auction(auctionID)
	if !ok {
		return model.Auction{}, fmt.Errorf("lock auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return a, nil
}

func (tx *memTx) UpdateAuction(ctx context.Context, auction model.Auction) error {
	if _, ok := tx.auction(auction.AuctionID); !ok {
		return fmt.Errorf("update auction %s: %w", auction.AuctionID, biddingerrors.ErrAuctionNotFound)
	}
	tx.auctions[auction.AuctionID] = auction
	return nil
}

func (tx *memTx) InsertBid(ctx context.Context, bid model.Bid) (model.Bid, error) {
	if _, ok := tx.auction(bid.AuctionID); !ok {
		return model.Bid{}, fmt.Errorf("record bid for auction %s: %w", bid.AuctionID, biddingerrors.ErrAuctionNotFound)
	}
	bid.Seq = tx.repo.nextSeq + int64(len(tx.bids)) + 1
	tx.bids = append(tx.bids, bid)
	return bid, nil
}

func (tx *memTx) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, ok := tx.auction(auctionID); !ok {
		return nil, fmt.Errorf("list bids for auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	bids := append([]model.Bid{}, tx.repo.bids[auctionID]...)
	for _, b := range tx.bids {
		if b.AuctionID == auctionID {
			bids = append(bids, b)
		}
	}
	return bids, nil
}

func (tx *memTx) Ledger() ledger.Accessor {
	return memLedger{tx: tx}
}

func (tx *memTx) commit() {
	r := tx.repo
	for id, a := range tx.auctions {
		r.auctions[id] = a
	}
	for _, b := range tx.bids {
		r.bids[b.AuctionID] = append(r.bids[b.AuctionID], b)
		r.nextSeq = b.Seq
	}
	for k, v := range tx.balances {
		r.balances[k] = v
	}
	r.logs = append(r.logs, tx.logs...)
}

// memLedger is the transaction-bound ledger of the in-memory store
type memLedger struct {
	tx *memTx
}

func (l memLedger) balance(key balanceKey) decimal.Decimal {
	if b, ok := l.tx.balances[key]; ok {
		return b
	}
	return l.tx.repo.balances[key]
}

func (l memLedger) GetBalance(ctx context.Context, userID, accountType string) (decimal.Decimal, error) {
	return l.balance(balanceKey{userID, accountType}), nil
}

func (l memLedger) Transfer(ctx context.Context, t ledger.Transfer) ([]model.TransactionLog, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	fromKey := balanceKey{t.FromUserID, t.AccountType}
	toKey := balanceKey{t.ToUserID, t.AccountType}
	from := l.balance(fromKey)
	if from.LessThan(t.Amount) {
		return nil, fmt.Errorf("ledger: debit %s from %s (balance %s): %w",
			t.Amount, t.FromUserID, from, biddingerrors.ErrInsufficientBalance)
	}

	fromAfter := from.Sub(t.Amount)
	toAfter := l.balance(toKey).Add(t.Amount)
	l.tx.balances[fromKey] = fromAfter
	l.tx.balances[toKey] = toAfter

	entries := ledger.Entries(t, fromAfter, toAfter, l.tx.repo.now())
	l.tx.logs = append(l.tx.logs, entries...)
	return entries, nil
}
