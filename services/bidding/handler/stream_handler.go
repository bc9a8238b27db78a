package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"auction-engine/internal/broadcast"
	model "auction-engine/internal/models"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Subscriptions is the part of the broadcast hub the stream endpoints need
type Subscriptions interface {
	Subscribe(auctionID string, s broadcast.Subscriber)
	Unsubscribe(auctionID, subscriberID string)
}

type auctionReader interface {
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
}

// StreamHandler serves live auction events over websocket and SSE. Each new
// subscriber first receives a snapshot of the auction, then every event
// published after it joined; clients reconcile the two with bid_count.
type StreamHandler struct {
	auctions auctionReader
	hub      Subscriptions
	buffer   int
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewStreamHandler(auctions auctionReader, hub Subscriptions, buffer int) *StreamHandler {
	return &StreamHandler{
		auctions: auctions,
		hub:      hub,
		buffer:   buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// join registers sub and queues the snapshot. Registration happens first so
// no event between the snapshot read and the subscription is lost.
func (h *StreamHandler) join(ctx context.Context, auctionID string, sub broadcast.Subscriber) error {
	h.hub.Subscribe(auctionID, sub)
	auction, err := h.auctions.GetAuction(ctx, auctionID)
	if err != nil {
		h.hub.Unsubscribe(auctionID, sub.ID())
		return err
	}
	return sub.Deliver(model.Event{
		Kind:       model.EventSnapshot,
		AuctionID:  auctionID,
		Auction:    auction,
		OccurredAt: h.now().UTC(),
	})
}

// WebSocketHandler handles GET /auctions/:auction_id/ws
func (h *StreamHandler) WebSocketHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	if _, err := h.auctions.GetAuction(c.Request.Context(), auctionID); err != nil {
		helpers.RespondError(c, "WebSocketHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the error response
		utils.Warn("WebSocketHandler: upgrade failed", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	sub := broadcast.NewWSSubscriber(conn, h.buffer)
	defer sub.Close()
	if err := h.join(c.Request.Context(), auctionID, sub); err != nil {
		utils.Warn("WebSocketHandler: join failed", map[string]any{"auction_id": auctionID, "error": err.Error()})
		conn.Close()
		return
	}
	defer h.hub.Unsubscribe(auctionID, sub.ID())

	utils.Debug("WebSocketHandler: viewer joined", map[string]any{"auction_id": auctionID, "subscriber_id": sub.ID()})
	sub.Serve()
	utils.Debug("WebSocketHandler: viewer left", map[string]any{"auction_id": auctionID, "subscriber_id": sub.ID()})
}

// EventsHandler handles GET /auctions/:auction_id/events as server-sent events
func (h *StreamHandler) EventsHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	sub := broadcast.NewChanSubscriber(h.buffer)
	defer sub.Close()

	if err := h.join(c.Request.Context(), auctionID, sub); err != nil {
		helpers.RespondError(c, "EventsHandler", err, map[string]any{"auction_id": auctionID})
		return
	}
	defer h.hub.Unsubscribe(auctionID, sub.ID())

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), event)
			return true
		}
	})
}
