package historical

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var completedBlocks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ponder_historical_completed_blocks_total",
		Help: "Blocks completed by the historical sync",
	},
	[]string{"chain_id"},
)
