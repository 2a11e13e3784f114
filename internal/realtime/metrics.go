package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	headBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_realtime_head_block",
			Help: "Latest applied head block per chain",
		},
		[]string{"chain_id"},
	)

	finalizedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_realtime_finalized_block",
			Help: "Latest finalized block per chain",
		},
		[]string{"chain_id"},
	)

	reorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_realtime_reorgs_total",
			Help: "Reorgs detected per chain",
		},
		[]string{"chain_id"},
	)
)
