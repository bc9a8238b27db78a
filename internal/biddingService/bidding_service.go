package bidding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ledger"
	"auction-engine/internal/metrics"
	model "auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/utils"

	"github.com/shopspring/decimal"
)

// EventPublisher receives state changes after they are committed. Publish
// must not block.
type EventPublisher interface {
	Publish(event model.Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(model.Event) {}

// BiddingService is the auction state machine. Every mutation of a given
// auction runs under that auction's lock, so bids and lifecycle changes on
// one lot are applied strictly one at a time while different lots proceed
// in parallel.
type BiddingService struct {
	repo      repository.AuctionDB
	validator *Validator
	settler   *Settler
	events    EventPublisher
	locks     *lockArena
	now       func() time.Time
}

// Option customizes a BiddingService
type Option func(*options)

type options struct {
	now         func() time.Time
	accountType string
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAccountType selects the ledger account auctions settle against
func WithAccountType(accountType string) Option {
	return func(o *options) { o.accountType = accountType }
}

// NewBiddingService creates a new BiddingService instance. balances is used
// for the advisory funds check; events may be nil.
func NewBiddingService(repo repository.AuctionDB, balances ledger.Reader, events EventPublisher, opts ...Option) *BiddingService {
	o := options{
		now:         func() time.Time { return time.Now().UTC() },
		accountType: ledger.DefaultAccountType,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if events == nil {
		events = noopPublisher{}
	}

	return &BiddingService{
		repo:      repo,
		validator: NewValidator(balances, o.accountType),
		settler:   NewSettler(repo, o.accountType),
		events:    events,
		locks:     newLockArena(),
		now: func() time.Time {
			// microsecond precision survives a Postgres round trip unchanged
			return o.now().UTC().Truncate(time.Microsecond)
		},
	}
}

// CreateAuction validates the attributes and stores a new DRAFT auction
func (s *BiddingService) CreateAuction(ctx context.Context, creator model.Identity, in model.NewAuction) (model.Auction, error) {
	if creator.UserID == "" {
		return model.Auction{}, fmt.Errorf("service: %w - missing creator", biddingerrors.ErrInvalidAuction)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Auction{}, fmt.Errorf("service: %w - empty title", biddingerrors.ErrInvalidAuction)
	}
	if !in.StartingPrice.IsPositive() {
		return model.Auction{}, fmt.Errorf("service: %w - starting price must be positive", biddingerrors.ErrInvalidAuction)
	}
	increment := in.MinIncrement
	if increment.IsZero() {
		increment = decimal.NewFromInt(1)
	}
	if increment.IsNegative() {
		return model.Auction{}, fmt.Errorf("service: %w - minimum increment must be positive", biddingerrors.ErrInvalidAuction)
	}
	if !model.IsWholeCents(in.StartingPrice) || !model.IsWholeCents(increment) {
		return model.Auction{}, fmt.Errorf("service: %w - amounts are limited to %d decimal places", biddingerrors.ErrInvalidAuction, model.MoneyScale)
	}
	if !in.StartTime.Before(in.EndTime) {
		return model.Auction{}, fmt.Errorf("service: %w - start time must precede end time", biddingerrors.ErrInvalidAuction)
	}

	now := s.now()
	auction := model.Auction{
		AuctionID:     utils.GenerateID(),
		Title:         title,
		Description:   in.Description,
		ImageRef:      in.ImageRef,
		StartingPrice: in.StartingPrice,
		CurrentPrice:  in.StartingPrice,
		MinIncrement:  increment,
		StartTime:     in.StartTime.UTC().Truncate(time.Microsecond),
		EndTime:       in.EndTime.UTC().Truncate(time.Microsecond),
		State:         model.StateDraft,
		CreatorID:     creator.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.CreateAuction(ctx, auction); err != nil {
		return model.Auction{}, fmt.Errorf("service: failed to create auction: %w", err)
	}

	metrics.RecordTransition(string(model.StateDraft))
	utils.Info("auction created", map[string]any{
		"auction_id": auction.AuctionID,
		"creator_id": auction.CreatorID,
		"start_time": auction.StartTime,
		"end_time":   auction.EndTime,
	})
	return auction, nil
}

// ActivateAuction opens a DRAFT auction for bidding. It is refused before
// the start time and once the end time has passed.
func (s *BiddingService) ActivateAuction(ctx context.Context, actor model.Identity, auctionID string) (model.Auction, error) {
	var activated model.Auction
	err := s.withAuctionLock(ctx, auctionID, func() error {
		var err error
		activated, err = s.activate(ctx, auctionID, func(a model.Auction) error {
			return authorize(actor, a)
		})
		return err
	})
	if err != nil {
		return model.Auction{}, err
	}
	return activated, nil
}

// activate must run under the auction lock. check runs against the locked row.
func (s *BiddingService) activate(ctx context.Context, auctionID string, check func(model.Auction) error) (model.Auction, error) {
	var activated model.Auction
	now := s.now()

	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		a, err := tx.LockAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if err := check(a); err != nil {
			return err
		}
		if a.State != model.StateDraft {
			return fmt.Errorf("service: %w - cannot activate a %s auction", biddingerrors.ErrInvalidTransition, a.State)
		}
		if now.Before(a.StartTime) {
			return fmt.Errorf("service: %w - starts at %s", biddingerrors.ErrAuctionNotStarted, a.StartTime.Format(time.RFC3339))
		}
		if !now.Before(a.EndTime) {
			return fmt.Errorf("service: %w - ended at %s", biddingerrors.ErrAuctionExpired, a.EndTime.Format(time.RFC3339))
		}

		a.State = model.StateActive
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		activated = a
		return nil
	})
	if err != nil {
		return model.Auction{}, err
	}

	metrics.RecordTransition(string(model.StateActive))
	utils.Info("auction activated", map[string]any{"auction_id": auctionID})
	s.events.Publish(model.Event{
		Kind:       model.EventActivated,
		AuctionID:  auctionID,
		Auction:    activated,
		OccurredAt: now,
	})
	return activated, nil
}

// PlaceBid validates a bid against the latest state of the auction and, if
// accepted, stores it together with the new current price. Refused bids
// return a *biddingerrors.Rejection and leave no trace.
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID string, bidder model.Identity, amount decimal.Decimal, comment string) (model.Bid, model.Auction, error) {
	if auctionID == "" || bidder.UserID == "" {
		return model.Bid{}, model.Auction{}, fmt.Errorf("service: %w - missing auctionID or bidder", biddingerrors.ErrInvalidBid)
	}
	if !amount.IsPositive() {
		return model.Bid{}, model.Auction{}, fmt.Errorf("service: %w - non-positive bid amount", biddingerrors.ErrInvalidBid)
	}
	if !model.IsWholeCents(amount) {
		return model.Bid{}, model.Auction{}, fmt.Errorf("service: %w - bid amount has more than %d decimal places", biddingerrors.ErrInvalidBid, model.MoneyScale)
	}

	var (
		stored  model.Bid
		updated model.Auction
	)
	err := s.withAuctionLock(ctx, auctionID, func() error {
		snapshot, err := s.repo.GetAuction(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("service: failed to load auction %s: %w", auctionID, err)
		}

		now := s.now()
		bid := model.Bid{
			BidID:     utils.GenerateID(),
			AuctionID: auctionID,
			BidderID:  bidder.UserID,
			Amount:    amount,
			Comment:   strings.TrimSpace(comment),
			CreatedAt: now,
		}

		if err := s.validator.Validate(ctx, snapshot, bid, now); err != nil {
			return err
		}

		err = s.repo.WithinTx(ctx, func(tx repository.Tx) error {
			a, err := tx.LockAuction(ctx, auctionID)
			if err != nil {
				return err
			}
			// the row may have moved on since the snapshot was read
			if err := CheckBid(a, bid, now); err != nil {
				return err
			}

			stored, err = tx.InsertBid(ctx, bid)
			if err != nil {
				return err
			}
			a.CurrentPrice = stored.Amount
			a.BidCount++
			a.UpdatedAt = now
			if err := tx.UpdateAuction(ctx, a); err != nil {
				return err
			}
			updated = a
			return nil
		})
		if err != nil {
			return err
		}

		// still under the auction lock so events leave in acceptance order
		bidCopy := stored
		s.events.Publish(model.Event{
			Kind:       model.EventBidAccepted,
			AuctionID:  auctionID,
			Auction:    updated,
			Bid:        &bidCopy,
			OccurredAt: now,
		})
		return nil
	})

	var rejection *biddingerrors.Rejection
	switch {
	case errors.As(err, &rejection):
		metrics.RecordBid(reasonLabel(rejection.Reason))
		return model.Bid{}, model.Auction{}, err
	case err != nil:
		return model.Bid{}, model.Auction{}, fmt.Errorf("service: failed to place bid on auction %s by user %s: %w", auctionID, bidder.UserID, err)
	}

	metrics.RecordBid("accepted")
	return stored, updated, nil
}

// CloseAuction ends an ACTIVE auction and settles it. Before the end time
// only operators may close it; afterwards the creator may too. Closing an
// auction that is already COMPLETED or CANCELLED returns its recorded outcome.
func (s *BiddingService) CloseAuction(ctx context.Context, actor model.Identity, auctionID string) (model.Outcome, error) {
	var outcome model.Outcome
	err := s.withAuctionLock(ctx, auctionID, func() error {
		a, err := s.repo.GetAuction(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("service: failed to load auction %s: %w", auctionID, err)
		}
		if err := authorize(actor, a); err != nil {
			return err
		}
		if a.State == model.StateActive && s.now().Before(a.EndTime) && !actor.IsOperator() {
			return fmt.Errorf("service: %w - only operators may close auction %s before %s",
				biddingerrors.ErrForbidden, auctionID, a.EndTime.Format(time.RFC3339))
		}
		outcome, err = s.settle(ctx, auctionID)
		return err
	})
	if err != nil {
		return model.Outcome{}, err
	}
	return outcome, nil
}

// settle must run under the auction lock
func (s *BiddingService) settle(ctx context.Context, auctionID string) (model.Outcome, error) {
	now := s.now()
	outcome, applied, err := s.settler.Settle(ctx, auctionID, now)
	if err != nil {
		return model.Outcome{}, err
	}
	if !applied {
		return outcome, nil
	}

	metrics.RecordTransition(string(model.StateCompleted))
	fields := map[string]any{
		"auction_id":  auctionID,
		"final_price": outcome.FinalPrice.String(),
	}
	if outcome.WinnerID != nil {
		fields["winner_id"] = *outcome.WinnerID
	}
	utils.Info("auction closed", fields)

	outcomeCopy := outcome
	s.events.Publish(model.Event{
		Kind:       model.EventClosed,
		AuctionID:  auctionID,
		Auction:    outcome.Auction,
		Outcome:    &outcomeCopy,
		OccurredAt: now,
	})
	return outcome, nil
}

// CancelAuction withdraws a DRAFT auction, or an ACTIVE one nobody has bid on
func (s *BiddingService) CancelAuction(ctx context.Context, actor model.Identity, auctionID string) (model.Auction, error) {
	var cancelled model.Auction
	err := s.withAuctionLock(ctx, auctionID, func() error {
		var err error
		cancelled, err = s.cancel(ctx, auctionID, func(a model.Auction) error {
			return authorize(actor, a)
		})
		return err
	})
	if err != nil {
		return model.Auction{}, err
	}
	return cancelled, nil
}

func (s *BiddingService) cancel(ctx context.Context, auctionID string, check func(model.Auction) error) (model.Auction, error) {
	var cancelled model.Auction
	now := s.now()

	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		a, err := tx.LockAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		if err := check(a); err != nil {
			return err
		}
		switch {
		case a.State.IsTerminal():
			return fmt.Errorf("service: %w - auction is already %s", biddingerrors.ErrInvalidTransition, a.State)
		case a.State == model.StateActive && a.BidCount > 0:
			return fmt.Errorf("service: %w - %d bids on auction %s", biddingerrors.ErrBidsAlreadyPlaced, a.BidCount, auctionID)
		}

		a.State = model.StateCancelled
		a.ClosedAt = &now
		a.UpdatedAt = now
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return err
		}
		cancelled = a
		return nil
	})
	if err != nil {
		return model.Auction{}, err
	}

	metrics.RecordTransition(string(model.StateCancelled))
	utils.Info("auction cancelled", map[string]any{"auction_id": auctionID})
	outcome := model.OutcomeOf(cancelled)
	s.events.Publish(model.Event{
		Kind:       model.EventCancelled,
		AuctionID:  auctionID,
		Auction:    cancelled,
		Outcome:    &outcome,
		OccurredAt: now,
	})
	return cancelled, nil
}

// GetAuction returns the current state of an auction
func (s *BiddingService) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	if auctionID == "" {
		return model.Auction{}, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidAuction)
	}

	auction, err := s.repo.GetAuction(ctx, auctionID)
	if err != nil {
		return model.Auction{}, fmt.Errorf("service: failed to get auction %s: %w", auctionID, err)
	}
	return auction, nil
}

// ListAuctions returns all auctions
func (s *BiddingService) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	auctions, err := s.repo.ListAuctions(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: failed to list auctions: %w", err)
	}
	return auctions, nil
}

// ListBids returns the accepted bids of an auction in acceptance order
func (s *BiddingService) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidAuction)
	}

	bids, err := s.repo.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get bids for auction %s: %w", auctionID, err)
	}
	return bids, nil
}

// DueAuctions lists drafts ready to open and active auctions past their end
func (s *BiddingService) DueAuctions(ctx context.Context, now time.Time) ([]model.Auction, error) {
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("service: failed to list due auctions: %w", err)
	}
	return due, nil
}

// ActivateDue opens a draft whose start time has passed. A draft whose whole
// window has already elapsed can never open and is cancelled instead. It
// reports whether anything changed.
func (s *BiddingService) ActivateDue(ctx context.Context, auctionID string) (bool, error) {
	changed := false
	err := s.withAuctionLock(ctx, auctionID, func() error {
		a, err := s.repo.GetAuction(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("service: failed to load auction %s: %w", auctionID, err)
		}
		now := s.now()
		if a.State != model.StateDraft || now.Before(a.StartTime) {
			return nil
		}

		if !now.Before(a.EndTime) {
			_, err = s.cancel(ctx, auctionID, noCheck)
		} else {
			_, err = s.activate(ctx, auctionID, noCheck)
		}
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// CloseDue settles an active auction whose end time has passed. It reports
// whether the auction was closed by this call.
func (s *BiddingService) CloseDue(ctx context.Context, auctionID string) (bool, error) {
	closed := false
	err := s.withAuctionLock(ctx, auctionID, func() error {
		a, err := s.repo.GetAuction(ctx, auctionID)
		if err != nil {
			return fmt.Errorf("service: failed to load auction %s: %w", auctionID, err)
		}
		if a.State != model.StateActive || s.now().Before(a.EndTime) {
			return nil
		}
		if _, err := s.settle(ctx, auctionID); err != nil {
			return err
		}
		closed = true
		return nil
	})
	return closed, err
}

func (s *BiddingService) withAuctionLock(ctx context.Context, auctionID string, fn func() error) error {
	release, err := s.locks.Acquire(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("service: waiting for auction %s: %w", auctionID, err)
	}
	defer release()
	return fn()
}

// authorize allows the creator and operators to manage an auction
func authorize(actor model.Identity, a model.Auction) error {
	if actor.UserID == a.CreatorID || actor.IsOperator() {
		return nil
	}
	return fmt.Errorf("service: %w - %s may not manage auction %s", biddingerrors.ErrForbidden, actor.UserID, a.AuctionID)
}

func noCheck(model.Auction) error { return nil }

func reasonLabel(reason error) string {
	return strings.ReplaceAll(reason.Error(), " ", "_")
}
