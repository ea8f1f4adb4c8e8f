// Package metrics exposes Parley's Prometheus collectors.
//
// The core recovers from store and delivery failures instead of crashing;
// counters here keep those suppressed errors observable next to the logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_ws_connections",
			Help: "Currently open WebSocket sessions",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_auth_failures_total",
			Help: "Rejected session credentials",
		},
	)

	// Room cache metrics
	RoomsCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_rooms_cached",
			Help: "Rooms currently held in the in-memory cache",
		},
	)

	MessagesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_messages_broadcast_total",
			Help: "Messages fanned out to room members",
		},
		[]string{"kind"}, // "text" or "file"
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_broadcast_drops_total",
			Help: "Envelopes dropped due to member send-queue backpressure",
		},
	)

	// Flush metrics
	FlushBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_flush_batches_total",
			Help: "Room flush attempts with a non-empty dirty set",
		},
	)

	FlushedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_flushed_messages_total",
			Help: "Messages confirmed persisted by a flush",
		},
	)

	FlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_flush_failures_total",
			Help: "Flushes deferred to the next cycle by store errors",
		},
	)

	// Hydration / pagination metrics
	Hydrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_hydrations_total",
			Help: "First-join history loads",
		},
	)

	HistoryPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_history_pages_total",
			Help: "Older-page pagination loads",
		},
	)

	// Store metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_store_errors_total",
			Help: "Durable store operation failures by operation",
		},
		[]string{"op"},
	)
)
