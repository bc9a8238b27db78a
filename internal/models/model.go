package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionState is the lifecycle state of an auction lot
type AuctionState string

const (
	StateDraft     AuctionState = "DRAFT"
	StateActive    AuctionState = "ACTIVE"
	StateCompleted AuctionState = "COMPLETED"
	StateCancelled AuctionState = "CANCELLED"
)

// IsTerminal reports whether no further transition is legal from s
func (s AuctionState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// RoleOperator marks identities allowed to manage any auction
const RoleOperator = "admin"

// Identity is the already-authenticated caller supplied by the identity provider
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// IsOperator reports whether the identity may manage auctions it did not create
func (i Identity) IsOperator() bool {
	return i.Role == RoleOperator
}

// Auction represents an auction lot
type Auction struct {
	AuctionID     string          `json:"auction_id" db:"id"`
	Title         string          `json:"title" db:"title"`
	Description   string          `json:"description" db:"description"`
	ImageRef      *string         `json:"image_ref,omitempty" db:"image_ref"`
	StartingPrice decimal.Decimal `json:"starting_price" db:"starting_price"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	MinIncrement  decimal.Decimal `json:"min_increment" db:"min_increment"`
	StartTime     time.Time       `json:"start_time" db:"start_time"`
	EndTime       time.Time       `json:"end_time" db:"end_time"`
	State         AuctionState    `json:"state" db:"state"`
	CreatorID     string          `json:"creator_id" db:"creator_id"`
	WinnerID      *string         `json:"winner_id,omitempty" db:"winner_id"`
	WinningBidID  *string         `json:"winning_bid_id,omitempty" db:"winning_bid_id"`
	BidCount      int             `json:"bid_count" db:"bid_count"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// MoneyScale is the number of decimal places money amounts are stored with
const MoneyScale int32 = 2

// IsWholeCents reports whether d carries no more than MoneyScale decimal places
func IsWholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

// MinimumBid is the lowest amount the next bid may carry
func (a Auction) MinimumBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.MinIncrement)
}

// NewAuction holds the caller-supplied attributes of an auction to create
type NewAuction struct {
	Title         string
	Description   string
	ImageRef      *string
	StartingPrice decimal.Decimal
	MinIncrement  decimal.Decimal
	StartTime     time.Time
	EndTime       time.Time
}

// Bid represents an accepted bid on an auction. Rejected bids are never stored.
type Bid struct {
	BidID     string          `json:"bid_id" db:"id"`
	AuctionID string          `json:"auction_id" db:"auction_id"`
	BidderID  string          `json:"bidder_id" db:"bidder_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Comment   string          `json:"comment,omitempty" db:"comment"`
	Seq       int64           `json:"seq" db:"seq"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Direction of a ledger movement
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// TransactionLog is the audit entry written for each side of a transfer
type TransactionLog struct {
	TransactionID string          `json:"transaction_id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	AccountType   string          `json:"account_type" db:"account_type"`
	AuctionID     string          `json:"auction_id" db:"auction_id"`
	Direction     Direction       `json:"direction" db:"direction"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description   string          `json:"description" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Outcome is the recorded result of closing an auction
type Outcome struct {
	AuctionID    string          `json:"auction_id"`
	State        AuctionState    `json:"state"`
	WinnerID     *string         `json:"winner_id,omitempty"`
	WinningBidID *string         `json:"winning_bid_id,omitempty"`
	FinalPrice   decimal.Decimal `json:"final_price"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
	Auction      Auction         `json:"auction"`
}

// OutcomeOf derives the outcome recorded on a closed or cancelled auction
func OutcomeOf(a Auction) Outcome {
	return Outcome{
		AuctionID:    a.AuctionID,
		State:        a.State,
		WinnerID:     a.WinnerID,
		WinningBidID: a.WinningBidID,
		FinalPrice:   a.CurrentPrice,
		SettledAt:    a.ClosedAt,
		Auction:      a,
	}
}

// EventKind names a broadcast event
type EventKind string

const (
	EventActivated   EventKind = "auction.activated"
	EventBidAccepted EventKind = "bid.accepted"
	EventClosed      EventKind = "auction.closed"
	EventCancelled   EventKind = "auction.cancelled"
	// EventSnapshot is sent to a subscriber right after it joins
	EventSnapshot EventKind = "auction.snapshot"
)

// Event is pushed to every party observing an auction
type Event struct {
	Kind       EventKind `json:"kind"`
	AuctionID  string    `json:"auction_id"`
	Auction    Auction   `json:"auction"`
	Bid        *Bid      `json:"bid,omitempty"`
	Outcome    *Outcome  `json:"outcome,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
