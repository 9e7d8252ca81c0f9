package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the state-synchronization gateway.
//
// Naming convention: namespace_subsystem_name
// - namespace: landsync
// - subsystem: websocket, land, sync
var (
	// ActiveWebSocketConnections tracks the current number of live WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "landsync",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveLands tracks the current number of live land instances
	ActiveLands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "landsync",
		Subsystem: "land",
		Name:      "lands_active",
		Help:      "Current number of active lands",
	})

	// LandPlayers tracks the number of joined players per land
	LandPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "landsync",
		Subsystem: "land",
		Name:      "players_count",
		Help:      "Number of joined players in each land",
	}, []string{"land_id"})

	// JoinOutcomes counts join attempts by result
	JoinOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landsync",
		Subsystem: "land",
		Name:      "joins_total",
		Help:      "Total join attempts by outcome",
	}, []string{"outcome"})

	// SyncCycles counts completed sync cycles per land type
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landsync",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Total completed sync cycles",
	}, []string{"land_type"})

	// SyncDuration tracks time spent in one sync cycle
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "landsync",
		Subsystem: "sync",
		Name:      "cycle_seconds",
		Help:      "Time spent computing and encoding one sync cycle",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"land_type"})

	// EncodedFrameBytes tracks outbound frame sizes by encoding
	EncodedFrameBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "landsync",
		Subsystem: "sync",
		Name:      "frame_bytes",
		Help:      "Size of encoded outbound frames",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"encoding"})

	// StaleEventsDropped counts targeted events discarded because their
	// membership stamp no longer matched at flush time
	StaleEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landsync",
		Subsystem: "sync",
		Name:      "stale_events_dropped_total",
		Help:      "Targeted events dropped due to stale membership stamps",
	})

	// RateLimitExceeded counts connection attempts refused by the rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landsync",
		Subsystem: "websocket",
		Name:      "rate_limited_total",
		Help:      "Connection attempts refused by the rate limiter",
	}, []string{"scope"})

	// MessagesProcessed counts inbound messages by kind and status
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landsync",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total inbound WebSocket messages processed",
	}, []string{"kind", "status"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
