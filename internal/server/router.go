package server

import (
	"net/http"

	"auction-engine/internal/metrics"
	handler "auction-engine/services/bidding/handler"
	"auction-engine/services/bidding/helpers"

	"github.com/gin-gonic/gin"
)

// Dependencies groups what the router needs to serve the API
type Dependencies struct {
	Service          handler.BiddingServiceInterface
	Subscriptions    handler.Subscriptions
	JWTSecret        []byte
	Limiter          *RateLimiter
	SubscriberBuffer int
}

// SetupRouter configures all Gin routes for the application
func SetupRouter(deps Dependencies) *gin.Engine {
	helpers.RegisterValidators()

	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging
	router.Use(metrics.GinMiddleware)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	biddingHandler := handler.NewBiddingHandler(deps.Service)
	streamHandler := handler.NewStreamHandler(deps.Service, deps.Subscriptions, deps.SubscriberBuffer)

	// reads and live streams are open to spectators
	auctions := router.Group("/auctions")
	{
		auctions.GET("", biddingHandler.ListAuctionsHandler)
		auctions.GET("/:auction_id", biddingHandler.GetAuctionHandler)
		auctions.GET("/:auction_id/bids", biddingHandler.GetBidsHandler)
		auctions.GET("/:auction_id/ws", streamHandler.WebSocketHandler)
		auctions.GET("/:auction_id/events", streamHandler.EventsHandler)
	}

	secured := router.Group("/auctions", AuthMiddleware(deps.JWTSecret))
	{
		secured.POST("", biddingHandler.CreateAuctionHandler)
		secured.POST("/:auction_id/activate", biddingHandler.ActivateAuctionHandler)
		secured.POST("/:auction_id/close", biddingHandler.CloseAuctionHandler)
		secured.POST("/:auction_id/cancel", biddingHandler.CancelAuctionHandler)

		bids := secured.Group("")
		if deps.Limiter != nil {
			bids.Use(deps.Limiter.Handler)
		}
		bids.POST("/:auction_id/bids", biddingHandler.PlaceBidHandler)
	}

	return router
}
