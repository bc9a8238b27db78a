package handler

import (
	"context"
	"errors"
	"net/http"

	model "auction-engine/internal/models"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type BiddingServiceInterface interface {
	CreateAuction(ctx context.Context, creator model.Identity, in model.NewAuction) (model.Auction, error)
	ActivateAuction(ctx context.Context, actor model.Identity, auctionID string) (model.Auction, error)
	PlaceBid(ctx context.Context, auctionID string, bidder model.Identity, amount decimal.Decimal, comment string) (model.Bid, model.Auction, error)
	CloseAuction(ctx context.Context, actor model.Identity, auctionID string) (model.Outcome, error)
	CancelAuction(ctx context.Context, actor model.Identity, auctionID string) (model.Auction, error)
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	ListAuctions(ctx context.Context) ([]model.Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
}

type BiddingHandler struct {
	service BiddingServiceInterface
}

func NewBiddingHandler(service BiddingServiceInterface) *BiddingHandler {
	return &BiddingHandler{service: service}
}

var errUnauthenticated = errors.New("missing caller identity")

// caller aborts with 401 when the auth middleware did not run
func caller(c *gin.Context, handlerName string) (model.Identity, bool) {
	id, ok := helpers.IdentityFrom(c)
	if !ok {
		utils.JSONAbort(c, http.StatusUnauthorized, errUnauthenticated, "authentication required")
		utils.Warn(handlerName+": no identity on request", map[string]any{"path": c.FullPath()})
	}
	return id, ok
}

// CreateAuctionHandler handles POST /auctions
func (h *BiddingHandler) CreateAuctionHandler(c *gin.Context) {
	creator, ok := caller(c, "CreateAuctionHandler")
	if !ok {
		return
	}

	var req helpers.CreateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "CreateAuctionHandler", err)
		return
	}

	auction, err := h.service.CreateAuction(c.Request.Context(), creator, req.ToModel())
	if err != nil {
		helpers.RespondError(c, "CreateAuctionHandler", err, map[string]any{"creator_id": creator.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, auction, "auction created successfully")
	helpers.LogSuccess("CreateAuctionHandler", "auction created successfully", map[string]any{
		"auction_id": auction.AuctionID,
		"creator_id": creator.UserID,
	})
}

// ListAuctionsHandler handles GET /auctions
func (h *BiddingHandler) ListAuctionsHandler(c *gin.Context) {
	auctions, err := h.service.ListAuctions(c.Request.Context())
	if err != nil {
		helpers.RespondError(c, "ListAuctionsHandler", err, nil)
		return
	}

	if auctions == nil {
		auctions = []model.Auction{}
	}

	utils.JSONResponse(c, http.StatusOK, auctions, "auctions retrieved successfully")
	helpers.LogSuccess("ListAuctionsHandler", "auctions retrieved successfully", map[string]any{"count": len(auctions)})
}

// GetAuctionHandler handles GET /auctions/:auction_id
func (h *BiddingHandler) GetAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	auction, err := h.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		helpers.RespondError(c, "GetAuctionHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, auction, "auction retrieved successfully")
}

// GetBidsHandler handles GET /auctions/:auction_id/bids
func (h *BiddingHandler) GetBidsHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	bids, err := h.service.ListBids(c.Request.Context(), auctionID)
	if err != nil {
		helpers.RespondError(c, "GetBidsHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	resp := make([]helpers.BidResponse, 0, len(bids))
	for _, b := range bids {
		resp = append(resp, helpers.NewBidResponse(b))
	}

	utils.JSONResponse(c, http.StatusOK, resp, "bids retrieved successfully")
	helpers.LogSuccess("GetBidsHandler", "bids retrieved successfully", map[string]any{
		"auction_id": auctionID,
		"count":      len(resp),
	})
}

// PlaceBidHandler handles POST /auctions/:auction_id/bids
func (h *BiddingHandler) PlaceBidHandler(c *gin.Context) {
	bidder, ok := caller(c, "PlaceBidHandler")
	if !ok {
		return
	}

	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "PlaceBidHandler", err)
		return
	}

	auctionID := c.Param("auction_id")
	bid, auction, err := h.service.PlaceBid(c.Request.Context(), auctionID, bidder, req.Amount, req.Comment)
	if err != nil {
		helpers.RespondError(c, "PlaceBidHandler", err, map[string]any{
			"auction_id": auctionID,
			"bidder_id":  bidder.UserID,
			"amount":     req.Amount.String(),
		})
		return
	}

	resp := helpers.PlaceBidResponse{Bid: helpers.NewBidResponse(bid), Auction: auction}
	utils.JSONResponse(c, http.StatusCreated, resp, "bid placed successfully")
	helpers.LogSuccess("PlaceBidHandler", "bid placed successfully", map[string]any{
		"bid_id":     bid.BidID,
		"auction_id": auctionID,
		"bidder_id":  bidder.UserID,
		"amount":     bid.Amount.String(),
		"seq":        bid.Seq,
	})
}

// ActivateAuctionHandler handles POST /auctions/:auction_id/activate
func (h *BiddingHandler) ActivateAuctionHandler(c *gin.Context) {
	actor, ok := caller(c, "ActivateAuctionHandler")
	if !ok {
		return
	}

	auctionID := c.Param("auction_id")
	auction, err := h.service.ActivateAuction(c.Request.Context(), actor, auctionID)
	if err != nil {
		helpers.RespondError(c, "ActivateAuctionHandler", err, map[string]any{"auction_id": auctionID, "user_id": actor.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, auction, "auction activated successfully")
	helpers.LogSuccess("ActivateAuctionHandler", "auction activated successfully", map[string]any{"auction_id": auctionID})
}

// CloseAuctionHandler handles POST /auctions/:auction_id/close
func (h *BiddingHandler) CloseAuctionHandler(c *gin.Context) {
	actor, ok := caller(c, "CloseAuctionHandler")
	if !ok {
		return
	}

	auctionID := c.Param("auction_id")
	outcome, err := h.service.CloseAuction(c.Request.Context(), actor, auctionID)
	if err != nil {
		helpers.RespondError(c, "CloseAuctionHandler", err, map[string]any{"auction_id": auctionID, "user_id": actor.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, outcome, "auction closed successfully")
	helpers.LogSuccess("CloseAuctionHandler", "auction closed successfully", map[string]any{
		"auction_id":  auctionID,
		"state":       outcome.State,
		"final_price": outcome.FinalPrice.String(),
	})
}

// CancelAuctionHandler handles POST /auctions/:auction_id/cancel
func (h *BiddingHandler) CancelAuctionHandler(c *gin.Context) {
	actor, ok := caller(c, "CancelAuctionHandler")
	if !ok {
		return
	}

	auctionID := c.Param("auction_id")
	auction, err := h.service.CancelAuction(c.Request.Context(), actor, auctionID)
	if err != nil {
		helpers.RespondError(c, "CancelAuctionHandler", err, map[string]any{"auction_id": auctionID, "user_id": actor.UserID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, auction, "auction cancelled successfully")
	helpers.LogSuccess("CancelAuctionHandler", "auction cancelled successfully", map[string]any{"auction_id": auctionID})
}
