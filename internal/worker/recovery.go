package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/models"
	"storybook-server/internal/processor"
	"storybook-server/internal/repository"
)

// RecoveryWorker добирает постраничные задачи из таблицы story_processing_jobs -
// durable-fallback на случай недоступного брокера. Задачи захватываются
// атомарно (SKIP LOCKED), так что несколько реплик не толкаются локтями.
// Когда очередь истории дренирована, воркер сводит статусы её страниц и
// записывает терминальный статус - на этом пути больше некому это сделать.
type RecoveryWorker struct {
	jobs     repository.ProcessingJobRepository
	stories  repository.StoryRepository
	proc     processor.PageProcessor
	pages    repository.StoryPageRepository
	interval time.Duration
	logger   *zap.Logger
}

// NewRecoveryWorker создает фоновый обработчик таблицы задач.
func NewRecoveryWorker(
	jobs repository.ProcessingJobRepository,
	stories repository.StoryRepository,
	proc processor.PageProcessor,
	pages repository.StoryPageRepository,
	interval time.Duration,
	logger *zap.Logger,
) *RecoveryWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RecoveryWorker{
		jobs:     jobs,
		stories:  stories,
		proc:     proc,
		pages:    pages,
		interval: interval,
		logger:   logger.Named("job_recovery"),
	}
}

// Run крутит цикл до отмены контекста: пустая очередь - пауза, иначе задачи
// обрабатываются подряд.
func (w *RecoveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Job recovery loop started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Job recovery loop stopped")
			return
		case <-ticker.C:
			for w.processOne(ctx) {
			}
		}
	}
}

// processOne захватывает и обрабатывает одну задачу. Возврат false - очередь
// пуста либо пора останавливаться.
func (w *RecoveryWorker) processOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	job, err := w.jobs.Claim(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			w.logger.Error("Failed to claim job", zap.Error(err))
		}
		return false
	}

	logFields := []zap.Field{
		zap.String("job_id", job.ID.String()),
		zap.String("story_id", job.StoryID.String()),
		zap.Int("page_number", job.PageNumber),
	}

	story, err := w.stories.GetByID(ctx, job.StoryID)
	if err != nil {
		w.logger.Error("Failed to load story for job", append(logFields, zap.Error(err))...)
		w.failJob(ctx, job.ID, "story load failed: "+err.Error(), logFields)
		return true
	}

	if story.Status == models.StoryStatusCancelled {
		w.logger.Info("Story cancelled, dropping pending jobs", logFields...)
		if _, err := w.jobs.CancelPending(ctx, job.StoryID); err != nil {
			w.logger.Error("Failed to cancel pending jobs", append(logFields, zap.Error(err))...)
		}
		return true
	}
	if story.CharacterVersion > job.CharacterVersion {
		w.logger.Warn("Job is stale, dropping",
			append(logFields,
				zap.Int("job_version", job.CharacterVersion),
				zap.Int("story_version", story.CharacterVersion))...)
		w.failJob(ctx, job.ID, models.ErrJobStale.Error(), logFields)
		return true
	}

	outcome := w.proc.ProcessPage(ctx, processor.PageRequest{
		Story:      story,
		PageNumber: job.PageNumber,
		SourceURL:  job.SourceURL,
		Digest:     story.CharacterDigest,
	})

	switch outcome.Kind {
	case models.OutcomeCompleted:
		if err := w.jobs.Complete(ctx, job.ID); err != nil {
			w.logger.Error("Failed to mark job completed", append(logFields, zap.Error(err))...)
		}
	case models.OutcomeCancelled:
		w.logger.Info("Page run cancelled, dropping pending jobs", logFields...)
		if _, err := w.jobs.CancelPending(ctx, job.StoryID); err != nil {
			w.logger.Error("Failed to cancel pending jobs", append(logFields, zap.Error(err))...)
		}
		return true
	default:
		details := "page processing failed"
		if outcome.Err != nil {
			details = outcome.Err.Error()
		}
		w.failJob(ctx, job.ID, details, logFields)
	}

	w.finalizeIfDrained(ctx, job.StoryID, logFields)
	return true
}

func (w *RecoveryWorker) failJob(ctx context.Context, jobID uuid.UUID, details string, logFields []zap.Field) {
	if err := w.jobs.Fail(ctx, jobID, details); err != nil {
		w.logger.Error("Failed to mark job failed", append(logFields, zap.Error(err))...)
	}
}

// finalizeIfDrained сводит статусы страниц и записывает терминальный статус
// истории, когда её очередь задач пуста. Запись условная: отмену, выигравшую
// гонку, финализация не перетирает.
func (w *RecoveryWorker) finalizeIfDrained(ctx context.Context, storyID uuid.UUID, logFields []zap.Field) {
	pending, err := w.jobs.CountPending(ctx, storyID)
	if err != nil {
		w.logger.Error("Failed to count pending jobs", append(logFields, zap.Error(err))...)
		return
	}
	if pending > 0 {
		return
	}

	completed, err := w.pages.CountByStatus(ctx, storyID, models.PageStatusCompleted)
	if err != nil {
		w.logger.Error("Failed to count completed pages", append(logFields, zap.Error(err))...)
		return
	}
	failed, err := w.pages.CountByStatus(ctx, storyID, models.PageStatusFailed)
	if err != nil {
		w.logger.Error("Failed to count failed pages", append(logFields, zap.Error(err))...)
		return
	}

	status := models.StoryStatusFailed
	switch {
	case completed > 0 && failed == 0:
		status = models.StoryStatusCompleted
	case completed > 0:
		status = models.StoryStatusPartial
	}
	description := fmt.Sprintf("%d successful, %d failed", completed, failed)

	if err := w.stories.FinalizeStatus(ctx, storyID, status, description); err != nil {
		if errors.Is(err, models.ErrStoryCancelled) {
			w.logger.Info("Cancellation won the finalize race", logFields...)
			return
		}
		w.logger.Error("Failed to finalize recovered story", append(logFields, zap.Error(err))...)
		return
	}
	w.logger.Info("Recovered story finalized",
		append(logFields,
			zap.String("status", string(status)),
			zap.Int("completed", completed),
			zap.Int("failed", failed))...)
}
