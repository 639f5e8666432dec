package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

var (
	tasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_transform_tasks_total",
			Help: "Processed transform tasks by terminal story status.",
		},
		[]string{"status"},
	)

	taskDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "story_transform_task_duration_seconds",
			Help:    "Wall time of one story transform task.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	pagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "story_transform_pages_total",
			Help: "Processed pages by outcome.",
		},
		[]string{"outcome"},
	)
)

// pushMetrics отправляет метрики воркера в Pushgateway после задачи.
// Недоступный Pushgateway не влияет на обработку.
func pushMetrics(pushGatewayURL string, logger *zap.Logger) {
	if pushGatewayURL == "" {
		return
	}
	if err := push.New(pushGatewayURL, "storybook_worker").
		Gatherer(prometheus.DefaultGatherer).
		Push(); err != nil {
		logger.Warn("Failed to push metrics", zap.Error(err))
	}
}
