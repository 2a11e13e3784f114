package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_rpc_requests_total",
			Help: "Total number of RPC requests",
		},
		[]string{"network", "method"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_rpc_retries_total",
			Help: "Total number of RPC request retries",
		},
		[]string{"method"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_rpc_errors_total",
			Help: "Total number of failed RPC requests",
		},
		[]string{"network", "method"},
	)
)
