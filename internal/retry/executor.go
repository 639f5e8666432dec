package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"storybook-server/internal/models"
)

// Sleeper - точка подмены сна в тестах.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor выполняет операцию с прогрессивными ретраями и джиттером.
// Неретраибельная классификация обрывает попытки сразу; исчерпание шкалы
// заворачивает причину в models.PipelineError с контекстом вызова.
type Executor struct {
	schedule    []time.Duration
	jitterMax   time.Duration
	maxAttempts int
	logger      *zap.Logger
	sleep       Sleeper
}

// NewExecutor создает исполнитель ретраев. maxAttempts - общее число попыток
// (включая первую); schedule задаёт паузы между ними.
func NewExecutor(schedule []time.Duration, jitterMax time.Duration, maxAttempts int, logger *zap.Logger) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{
		schedule:    schedule,
		jitterMax:   jitterMax,
		maxAttempts: maxAttempts,
		logger:      logger.Named("retry"),
		sleep:       defaultSleep,
	}
}

// WithSleeper подменяет функцию сна (для тестов).
func (e *Executor) WithSleeper(s Sleeper) *Executor {
	e.sleep = s
	return e
}

// Do выполняет fn до maxAttempts раз. errCtx несёт контекст для типизированной
// ошибки; Operation в нём обязан быть заполнен вызывающим.
func (e *Executor) Do(ctx context.Context, errCtx models.ErrorContext, fn func(ctx context.Context) error) error {
	var lastErr error
	var lastClass Classification

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		lastClass = Classify(lastErr)
		errCtx.Attempts = attempt

		logFields := []zap.Field{
			zap.String("operation", errCtx.Operation),
			zap.String("story_id", errCtx.StoryID.String()),
			zap.Int("page_number", errCtx.PageNumber),
			zap.Int("attempt", attempt),
			zap.String("code", string(lastClass.Code)),
			zap.String("severity", string(lastClass.Severity)),
			zap.Error(lastErr),
		}

		if !lastClass.Retryable {
			e.logger.Warn("Non-retryable failure, short-circuiting", logFields...)
			return models.NewPipelineError(lastClass.Code,
				fmt.Sprintf("%s failed permanently", errCtx.Operation), errCtx, lastErr)
		}
		if attempt == e.maxAttempts {
			break
		}
		if lastClass.Code == models.CodeUnknown {
			e.logger.Warn("Unclassified failure, retrying by default policy", logFields...)
		} else {
			e.logger.Info("Transient failure, retrying", logFields...)
		}

		delay := e.delayFor(attempt)
		if err := e.sleep(ctx, delay); err != nil {
			errCtx.Attempts = attempt
			return models.NewPipelineError(Classify(err).Code,
				fmt.Sprintf("%s aborted while waiting to retry", errCtx.Operation), errCtx, err)
		}
	}

	e.logger.Error("Retries exhausted",
		zap.String("operation", errCtx.Operation),
		zap.String("story_id", errCtx.StoryID.String()),
		zap.Int("page_number", errCtx.PageNumber),
		zap.Int("attempts", e.maxAttempts),
		zap.String("code", string(lastClass.Code)),
		zap.Error(lastErr))

	errCtx.Attempts = e.maxAttempts
	pe := models.NewPipelineError(lastClass.Code,
		fmt.Sprintf("%s failed after %d attempts", errCtx.Operation, e.maxAttempts), errCtx, lastErr)
	pe.Retryable = true
	return pe
}

// delayFor возвращает паузу перед попыткой attempt+1: позиция в шкале
// (последнее значение шкалы для хвоста) плюс случайный джиттер.
func (e *Executor) delayFor(attempt int) time.Duration {
	var base time.Duration
	if len(e.schedule) > 0 {
		idx := attempt - 1
		if idx >= len(e.schedule) {
			idx = len(e.schedule) - 1
		}
		base = e.schedule[idx]
	}
	if e.jitterMax > 0 {
		base += time.Duration(rand.Int63n(int64(e.jitterMax)))
	}
	return base
}
