// Package metrics holds the Prometheus collectors shared by the sync core and
// the relay server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PairingRedemptions counts redeem attempts by outcome.
	PairingRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velora_pairing_redemptions_total",
			Help: "Pairing code redemptions by outcome.",
		},
		[]string{"outcome"},
	)

	// RealtimeEvents counts change events seen by the reconciler.
	// outcome is one of applied, stale, self_echo, duplicate, ignored, invalid.
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velora_realtime_events_total",
			Help: "Realtime change events by table and outcome.",
		},
		[]string{"table", "outcome"},
	)

	// OptimisticWrites counts durable writes behind optimistic updates.
	OptimisticWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velora_optimistic_writes_total",
			Help: "Durable writes issued behind optimistic updates, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// WSConnections gauges open relay websocket connections.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "velora_ws_connections",
			Help: "Open realtime websocket connections.",
		},
	)

	// RelayedChanges counts changes written to websocket subscribers.
	RelayedChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velora_relayed_changes_total",
			Help: "Changes relayed to websocket subscribers, by table.",
		},
		[]string{"table"},
	)
)
