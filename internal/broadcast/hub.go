// Package broadcast pushes committed auction changes to everyone watching an
// auction. Delivery is best effort: publishers never wait, events are not
// replayed, and a subscriber that falls behind simply misses events.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"auction-engine/internal/metrics"
	model "auction-engine/internal/models"
	"auction-engine/utils"
)

// DefaultQueueSize bounds the outbound queue between publishers and the dispatcher
const DefaultQueueSize = 1024

var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber receives events for the auctions it is subscribed to. Deliver
// is called from the dispatcher goroutine and must not block.
type Subscriber interface {
	ID() string
	Deliver(event model.Event) error
}

// Hub keeps per-auction subscriber sets and fans events out to them from a
// single dispatcher goroutine, so every subscriber sees events of an auction
// in publish order.
type Hub struct {
	mu    sync.RWMutex
	subs  map[string]map[string]Subscriber // key: auctionID -> subscriberID -> subscriber
	queue chan model.Event
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:  make(map[string]map[string]Subscriber),
		queue: make(chan model.Event, queueSize),
	}
}

// Subscribe adds s to the audience of auctionID. Subscribing twice is a no-op.
func (h *Hub) Subscribe(auctionID string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[auctionID]
	if !ok {
		set = make(map[string]Subscriber)
		h.subs[auctionID] = set
	}
	if _, exists := set[s.ID()]; exists {
		return
	}
	set[s.ID()] = s
	metrics.SubscriberJoined()
}

// Unsubscribe removes a subscriber. Unknown subscribers are ignored.
func (h *Hub) Unsubscribe(auctionID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[auctionID]
	if !ok {
		return
	}
	if _, exists := set[subscriberID]; !exists {
		return
	}
	delete(set, subscriberID)
	if len(set) == 0 {
		delete(h.subs, auctionID)
	}
	metrics.SubscriberLeft()
}

// SubscriberCount returns how many subscribers watch auctionID
func (h *Hub) SubscriberCount(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[auctionID])
}

// Publish enqueues event without blocking. When the queue is full the event
// is dropped.
func (h *Hub) Publish(event model.Event) {
	select {
	case h.queue <- event:
	default:
		metrics.RecordBroadcastDrop()
		utils.Warn("broadcast queue full, dropping event", map[string]any{
			"auction_id": event.AuctionID,
			"kind":       event.Kind,
		})
	}
}

// Run drains the queue until ctx is cancelled. Events still queued at that
// point are discarded.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.queue:
			h.dispatch(event)
		}
	}
}

func (h *Hub) dispatch(event model.Event) {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subs[event.AuctionID]))
	for _, s := range h.subs[event.AuctionID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Deliver(event); err != nil {
			utils.Debug("broadcast delivery failed", map[string]any{
				"auction_id":    event.AuctionID,
				"subscriber_id": s.ID(),
				"kind":          event.Kind,
				"error":         err.Error(),
			})
		}
	}
}
