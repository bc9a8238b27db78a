package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auction_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auction_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	bidsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auction_engine",
			Subsystem: "bids",
			Name:      "total",
			Help:      "Bids by outcome: accepted or the rejection reason.",
		},
		[]string{"outcome"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auction_engine",
			Subsystem: "settlement",
			Name:      "runs_total",
			Help:      "Auction settlements by result.",
		},
		[]string{"result"},
	)

	lifecycle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auction_engine",
			Subsystem: "auctions",
			Name:      "transitions_total",
			Help:      "Auction state transitions by target state.",
		},
		[]string{"state"},
	)

	broadcastDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "auction_engine",
			Subsystem: "broadcast",
			Name:      "dropped_events_total",
			Help:      "Events dropped because the outbound queue was full.",
		},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "auction_engine",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current number of realtime subscribers.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "auction_engine",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of scheduler sweeps over due auctions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		bidsTotal,
		settlements,
		lifecycle,
		broadcastDropped,
		subscribers,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request count and latency per matched route.
func GinMiddleware(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
}

// RecordBid counts a bid attempt. outcome is "accepted" or a rejection reason.
func RecordBid(outcome string) {
	bidsTotal.WithLabelValues(outcome).Inc()
}

// RecordSettlement counts a settlement attempt
func RecordSettlement(result string) {
	settlements.WithLabelValues(result).Inc()
}

// RecordTransition counts an auction entering state
func RecordTransition(state string) {
	lifecycle.WithLabelValues(state).Inc()
}

func RecordBroadcastDrop() {
	broadcastDropped.Inc()
}

func SubscriberJoined() { subscribers.Inc() }
func SubscriberLeft()   { subscribers.Dec() }

// ObserveSweep records how long a scheduler sweep took
func ObserveSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}
