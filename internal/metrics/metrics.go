// Package metrics exposes the Prometheus counters/gauges every long-running
// LSNP component updates, grounded on the teacher's
// services/tracker/internal/api/prometheus.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsnp_frames_sent_total",
			Help: "Total number of frames sent, by type.",
		},
		[]string{"type"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsnp_frames_received_total",
			Help: "Total number of frames received, by type.",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsnp_frames_dropped_total",
			Help: "Total number of frames dropped, by reason.",
		},
		[]string{"reason"},
	)

	RetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lsnp_reliable_send_failed_total",
			Help: "Total number of reliable sends that exhausted their retry budget.",
		},
	)

	ActivePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lsnp_active_peers",
			Help: "Number of peers currently considered active.",
		},
	)

	ActiveFileTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lsnp_active_file_transfers",
			Help: "Number of file transfers currently in progress.",
		},
	)

	ActiveGames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lsnp_active_games",
			Help: "Number of Tic-Tac-Toe games currently active.",
		},
	)

	DedupeCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lsnp_dedupe_cache_size",
			Help: "Current number of fingerprints tracked by the dedupe cache.",
		},
	)
)
