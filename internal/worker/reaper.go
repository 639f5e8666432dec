package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storybook-server/internal/repository"
)

// StaleRunReaper добивает истории, зависшие в processing после падения
// процесса: гарантия терминальности не должна зависеть от живости воркера.
type StaleRunReaper struct {
	stories   repository.StoryRepository
	threshold time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewStaleRunReaper создает реапер зависших прогонов.
func NewStaleRunReaper(stories repository.StoryRepository, threshold time.Duration, logger *zap.Logger) *StaleRunReaper {
	return &StaleRunReaper{
		stories:   stories,
		threshold: threshold,
		interval:  5 * time.Minute,
		logger:    logger.Named("stale_reaper"),
	}
}

// Run крутит цикл до отмены контекста.
func (r *StaleRunReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Stale run reaper started",
		zap.Duration("threshold", r.threshold), zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stale run reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.stories.MarkStaleProcessingFailed(ctx, r.threshold); err != nil {
				r.logger.Error("Stale run sweep failed", zap.Error(err))
			}
		}
	}
}
