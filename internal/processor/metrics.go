package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var promptTokens = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "page_prompt_tokens",
		Help:    "Estimated page prompt size in tokens.",
		Buckets: []float64{64, 128, 256, 512, 1024, 2048, 4096},
	},
	[]string{"strategy"},
)
