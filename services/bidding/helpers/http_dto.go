package helpers

import (
	"time"

	model "auction-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Request/Response DTOs
type CreateAuctionRequest struct {
	Title         string          `json:"title" binding:"required,max=200"`
	Description   string          `json:"description" binding:"max=4000"`
	ImageRef      *string         `json:"image_ref" binding:"omitempty,max=1024"`
	StartingPrice decimal.Decimal `json:"starting_price" binding:"required,gt=0"`
	MinIncrement  decimal.Decimal `json:"min_increment" binding:"gte=0"`
	StartTime     time.Time       `json:"start_time" binding:"required"`
	EndTime       time.Time       `json:"end_time" binding:"required,gtfield=StartTime"`
}

func (r CreateAuctionRequest) ToModel() model.NewAuction {
	return model.NewAuction{
		Title:         r.Title,
		Description:   r.Description,
		ImageRef:      r.ImageRef,
		StartingPrice: r.StartingPrice,
		MinIncrement:  r.MinIncrement,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
	}
}

type PlaceBidRequest struct {
	Amount  decimal.Decimal `json:"amount" binding:"required,gt=0"`
	Comment string          `json:"comment" binding:"max=280"`
}

type BidResponse struct {
	BidID     string          `json:"bid_id"`
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Comment   string          `json:"comment,omitempty"`
	Seq       int64           `json:"seq"`
	CreatedAt string          `json:"created_at"`
}

func NewBidResponse(b model.Bid) BidResponse {
	return BidResponse{
		BidID:     b.BidID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		Comment:   b.Comment,
		Seq:       b.Seq,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type PlaceBidResponse struct {
	Bid     BidResponse   `json:"bid"`
	Auction model.Auction `json:"auction"`
}
