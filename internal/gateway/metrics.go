package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_gateway_requests_total",
			Help: "Total AI gateway calls by operation and result.",
		},
		[]string{"operation", "result"},
	)

	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_gateway_request_duration_seconds",
			Help:    "AI gateway call latency by operation.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"operation"},
	)

	circuitBreakerRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_gateway_circuit_rejections_total",
			Help: "Calls rejected by the open circuit breaker.",
		},
	)
)
