package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/cache"
	"storybook-server/internal/models"
	"storybook-server/internal/processor"
	"storybook-server/internal/prompt"
	"storybook-server/internal/repository"
	"storybook-server/internal/retry"
)

// PageInput - одна страница прогона на входе оркестратора.
type PageInput struct {
	PageNumber int
	SourceURL  string
}

// Result - итог прогона истории.
type Result struct {
	Status      models.StoryStatus
	TotalPages  int
	Succeeded   int
	Failed      int
	Description string
}

// Config - эмпирика адаптивной задержки и батчей.
type Config struct {
	BaseDelay          time.Duration
	HealthySuccessRate float64
	SpeedUpFactor      float64
	SlowDownFactor     float64
	BatchSize          int
}

// Orchestrator доводит все страницы истории до терминального состояния и
// сводит их исходы в терминальный статус истории. Отмена наблюдается
// кооперативно: дешёвая проверка перед каждой страницей (батчем), и
// перечитывание статуса из БД скрыто в условной терминальной записи.
type Orchestrator struct {
	stories repository.StoryRepository
	proc    processor.PageProcessor
	status  cache.StatusCache
	cfg     Config
	sleep   retry.Sleeper
	logger  *zap.Logger
}

// New создает оркестратор.
func New(
	stories repository.StoryRepository,
	proc processor.PageProcessor,
	status cache.StatusCache,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	o := &Orchestrator{
		stories: stories,
		proc:    proc,
		status:  status,
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	return o
}

// WithSleeper подменяет функцию сна (для тестов).
func (o *Orchestrator) WithSleeper(s retry.Sleeper) *Orchestrator {
	o.sleep = s
	return o
}

// RunSequential обрабатывает страницы по одной в порядке номеров.
func (o *Orchestrator) RunSequential(ctx context.Context, story *models.Story, pages []PageInput) (*Result, error) {
	return o.run(ctx, story, pages, false)
}

// RunBatched обрабатывает страницы небольшими конкурентными батчами.
// Страница 1 всегда идёт отдельным первым батчем: её результат замораживает
// дайджест персонажа для всех остальных.
func (o *Orchestrator) RunBatched(ctx context.Context, story *models.Story, pages []PageInput) (*Result, error) {
	return o.run(ctx, story, pages, true)
}

func (o *Orchestrator) run(ctx context.Context, story *models.Story, pages []PageInput, batched bool) (*Result, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: story has no pages to process", models.ErrValidation)
	}

	sorted := make([]PageInput, len(pages))
	copy(sorted, pages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PageNumber < sorted[j].PageNumber })

	logFields := []zap.Field{
		zap.String("story_id", story.ID.String()),
		zap.Int("total_pages", len(sorted)),
		zap.Bool("batched", batched),
	}

	if err := o.stories.MarkProcessing(ctx, story.ID, len(sorted)); err != nil {
		if errors.Is(err, models.ErrStoryCancelled) {
			o.logger.Info("Story already cancelled, run skipped", logFields...)
			return o.cancelledResult(len(sorted), 0, 0), nil
		}
		return nil, err
	}
	o.logger.Info("Story run started", logFields...)

	tracker := prompt.NewDigestTracker()
	if story.CharacterDigest != "" {
		tracker.Freeze(story.CharacterDigest)
	}

	var succeeded, failed int
	cancelled := false

	batches := o.splitBatches(sorted, batched)
	for i, batch := range batches {
		if o.isCancelled(ctx, story.ID) {
			cancelled = true
			break
		}

		outcomes := o.processBatch(ctx, story, batch, tracker.Digest())
		for _, outcome := range outcomes {
			switch outcome.Kind {
			case models.OutcomeCompleted:
				succeeded++
				if outcome.PageNumber == 1 && outcome.DigestCandidate != "" && !tracker.Frozen() {
					tracker.Freeze(outcome.DigestCandidate)
					if err := o.stories.SetCharacterDigest(ctx, story.ID, outcome.DigestCandidate); err != nil {
						o.logger.Warn("Failed to persist character digest",
							append(logFields, zap.Error(err))...)
					}
				}
			case models.OutcomeFailed:
				failed++
			case models.OutcomeCancelled:
				cancelled = true
			}
		}
		if cancelled {
			break
		}

		o.reportProgress(ctx, story.ID, succeeded, failed, len(sorted))

		if i < len(batches)-1 {
			if err := o.sleep(ctx, o.adaptiveDelay(succeeded, failed)); err != nil {
				cancelled = true
				break
			}
		}
	}

	if cancelled {
		o.logger.Info("Story run cancelled",
			append(logFields, zap.Int("succeeded", succeeded), zap.Int("failed", failed))...)
		return o.cancelledResult(len(sorted), succeeded, failed), nil
	}

	result := o.reduce(len(sorted), succeeded, failed)
	if err := o.stories.FinalizeStatus(ctx, story.ID, result.Status, result.Description); err != nil {
		if errors.Is(err, models.ErrStoryCancelled) {
			// Отмена успела раньше терминальной записи: она побеждает
			o.logger.Info("Cancellation won the finalize race", logFields...)
			return o.cancelledResult(len(sorted), succeeded, failed), nil
		}
		return nil, err
	}

	o.logger.Info("Story run finished",
		append(logFields,
			zap.String("status", string(result.Status)),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed))...)
	return result, nil
}

// splitBatches режет страницы на батчи. В последовательном режиме каждый батч -
// одна страница; в батчевом первая страница изолирована, остальные по BatchSize.
func (o *Orchestrator) splitBatches(pages []PageInput, batched bool) [][]PageInput {
	var batches [][]PageInput
	if !batched {
		for _, p := range pages {
			batches = append(batches, []PageInput{p})
		}
		return batches
	}

	rest := pages
	if len(rest) > 0 && rest[0].PageNumber == 1 {
		batches = append(batches, rest[:1])
		rest = rest[1:]
	}
	for len(rest) > 0 {
		n := o.cfg.BatchSize
		if n > len(rest) {
			n = len(rest)
		}
		batches = append(batches, rest[:n])
		rest = rest[n:]
	}
	return batches
}

// processBatch обрабатывает страницы батча конкурентно и возвращает исходы
// в порядке страниц батча.
func (o *Orchestrator) processBatch(ctx context.Context, story *models.Story, batch []PageInput, digest string) []models.PageOutcome {
	if len(batch) == 1 {
		return []models.PageOutcome{o.proc.ProcessPage(ctx, processor.PageRequest{
			Story:      story,
			PageNumber: batch[0].PageNumber,
			SourceURL:  batch[0].SourceURL,
			Digest:     digest,
		})}
	}

	outcomes := make([]models.PageOutcome, len(batch))
	var wg sync.WaitGroup
	for i, page := range batch {
		wg.Add(1)
		go func(i int, page PageInput) {
			defer wg.Done()
			outcomes[i] = o.proc.ProcessPage(ctx, processor.PageRequest{
				Story:      story,
				PageNumber: page.PageNumber,
				SourceURL:  page.SourceURL,
				Digest:     digest,
			})
		}(i, page)
	}
	wg.Wait()
	return outcomes
}

// isCancelled - дешёвая проверка отмены перед страницей/батчем: сначала флаг
// в Redis, затем статус в БД. Недоступный Redis не маскирует отмену - БД
// остаётся источником истины.
func (o *Orchestrator) isCancelled(ctx context.Context, storyID uuid.UUID) bool {
	if o.status != nil && o.status.IsCancelled(ctx, storyID) {
		return true
	}
	current, err := o.stories.GetStatus(ctx, storyID)
	if err != nil {
		o.logger.Warn("Failed to poll story status for cancellation",
			zap.String("story_id", storyID.String()), zap.Error(err))
		return false
	}
	return current == models.StoryStatusCancelled
}

// reportProgress обновляет человекочитаемый прогресс в описании истории и
// кэше. Чисто косметика: last-writer-wins гонки и ошибки записи терпимы.
func (o *Orchestrator) reportProgress(ctx context.Context, storyID uuid.UUID, succeeded, failed, total int) {
	progress := fmt.Sprintf("%d of %d pages done (%d successful, %d failed)",
		succeeded+failed, total, succeeded, failed)
	if err := o.stories.UpdateDescription(ctx, storyID, progress); err != nil {
		o.logger.Debug("Failed to update progress description",
			zap.String("story_id", storyID.String()), zap.Error(err))
	}
	if o.status != nil {
		if err := o.status.SetProgress(ctx, storyID, progress); err != nil {
			o.logger.Debug("Failed to cache progress",
				zap.String("story_id", storyID.String()), zap.Error(err))
		}
	}
}

// adaptiveDelay возвращает паузу между страницами/батчами: базовая задержка,
// ускоренная при здоровом проценте успеха и замедленная при деградации.
func (o *Orchestrator) adaptiveDelay(succeeded, failed int) time.Duration {
	attempted := succeeded + failed
	if attempted == 0 {
		return o.cfg.BaseDelay
	}
	rate := float64(succeeded) / float64(attempted)
	if rate >= o.cfg.HealthySuccessRate {
		return time.Duration(float64(o.cfg.BaseDelay) * o.cfg.SpeedUpFactor)
	}
	return time.Duration(float64(o.cfg.BaseDelay) * o.cfg.SlowDownFactor)
}

// reduce сводит счётчики страниц в терминальный статус истории.
func (o *Orchestrator) reduce(total, succeeded, failed int) *Result {
	var status models.StoryStatus
	switch {
	case succeeded == total:
		status = models.StoryStatusCompleted
	case succeeded > 0:
		status = models.StoryStatusPartial
	default:
		status = models.StoryStatusFailed
	}
	return &Result{
		Status:      status,
		TotalPages:  total,
		Succeeded:   succeeded,
		Failed:      failed,
		Description: fmt.Sprintf("%d successful, %d failed", succeeded, failed),
	}
}

func (o *Orchestrator) cancelledResult(total, succeeded, failed int) *Result {
	return &Result{
		Status:      models.StoryStatusCancelled,
		TotalPages:  total,
		Succeeded:   succeeded,
		Failed:      failed,
		Description: fmt.Sprintf("cancelled after %d successful, %d failed", succeeded, failed),
	}
}
