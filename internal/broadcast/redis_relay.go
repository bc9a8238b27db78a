package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"auction-engine/internal/metrics"
	model "auction-engine/internal/models"
	"auction-engine/utils"

	"github.com/go-redis/redis/v8"
)

// DefaultRelayChannel is the Redis pub/sub channel engine instances share
const DefaultRelayChannel = "auction-engine:events"

// RedisRelay lets several engine instances share one event stream. Events
// published locally go to Redis; events read back from Redis, including our
// own, are handed to the local hub. Every instance therefore delivers each
// event exactly once to its own subscribers.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Hub
	outbox  chan model.Event
}

func NewRedisRelay(client *redis.Client, channel string, local *Hub, queueSize int) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		outbox:  make(chan model.Event, queueSize),
	}
}

// Publish enqueues event for Redis without blocking
func (r *RedisRelay) Publish(event model.Event) {
	select {
	case r.outbox <- event:
	default:
		metrics.RecordBroadcastDrop()
		utils.Warn("relay queue full, dropping event", map[string]any{
			"auction_id": event.AuctionID,
			"kind":       event.Kind,
		})
	}
}

// Run forwards queued events to Redis and Redis messages to the local hub
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	go r.forwardIncoming(ctx, sub.Channel())

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.outbox:
			if err := r.send(ctx, event); err != nil {
				utils.Warn("relay publish failed", map[string]any{
					"auction_id": event.AuctionID,
					"kind":       event.Kind,
					"error":      err.Error(),
				})
			}
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("relay: publish to %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisRelay) forwardIncoming(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.receive(msg.Payload)
		}
	}
}

func (r *RedisRelay) receive(payload string) {
	var event model.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		utils.Warn("relay: discarding malformed event", map[string]any{"error": err.Error()})
		return
	}
	r.local.Publish(event)
}
