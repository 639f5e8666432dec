package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"storybook-server/internal/imaging"
	"storybook-server/internal/models"
	"storybook-server/internal/repository"
	"storybook-server/internal/retry"
	"storybook-server/internal/storage"
)

// PageRequest - задание процессору на одну страницу.
type PageRequest struct {
	Story      *models.Story
	PageNumber int
	SourceURL  string
	Digest     string
}

// PageProcessor обрабатывает ровно одну страницу от исходника до строки в БД.
// Любой сбой локализуется: страница получает строку failed, история живёт дальше.
type PageProcessor interface {
	ProcessPage(ctx context.Context, req PageRequest) models.PageOutcome
}

type pageProcessor struct {
	strategy  PageStrategy
	store     storage.ImageStore
	optimizer *imaging.Optimizer
	pages     repository.StoryPageRepository
	exec      *retry.Executor
	logger    *zap.Logger
}

// NewPageProcessor создает процессор одной страницы.
func NewPageProcessor(
	strategy PageStrategy,
	store storage.ImageStore,
	optimizer *imaging.Optimizer,
	pages repository.StoryPageRepository,
	exec *retry.Executor,
	logger *zap.Logger,
) PageProcessor {
	return &pageProcessor{
		strategy:  strategy,
		store:     store,
		optimizer: optimizer,
		pages:     pages,
		exec:      exec,
		logger:    logger.Named("page_processor"),
	}
}

// ProcessPage: скачать исходник -> нормализовать -> загрузить копию исходника
// (provenance) -> стратегия (анализ + генерация) -> загрузить результат ->
// upsert строки страницы. Сбой даёт строку failed; отмена прогона строку
// не пишет - результат отброшен, страница осталась какой была.
func (p *pageProcessor) ProcessPage(ctx context.Context, req PageRequest) models.PageOutcome {
	logFields := []zap.Field{
		zap.String("story_id", req.Story.ID.String()),
		zap.Int("page_number", req.PageNumber),
		zap.String("strategy", p.strategy.Name()),
	}
	p.logger.Info("Processing page", logFields...)

	errCtx := models.ErrorContext{
		StoryID:    req.Story.ID,
		UserID:     req.Story.UserID,
		PageNumber: req.PageNumber,
	}

	var sourceData []byte
	errCtx.Operation = "fetch_source"
	err := p.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		var ferr error
		sourceData, ferr = p.store.Fetch(ctx, req.SourceURL)
		return ferr
	})
	if err != nil {
		return p.failPage(ctx, req, req.SourceURL, "", err, logFields)
	}

	normalized, err := p.optimizer.Normalize(sourceData)
	if err != nil {
		err = models.NewPipelineError(models.CodeClientError, "source image is not a valid image",
			models.ErrorContext{StoryID: req.Story.ID, UserID: req.Story.UserID, PageNumber: req.PageNumber, Operation: "optimize_source"}, err)
		return p.failPage(ctx, req, req.SourceURL, "", err, logFields)
	}

	// Копия исходника в постоянном хранилище переживает провал генерации
	originalURL := req.SourceURL
	errCtx.Operation = "upload_original"
	err = p.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		key := p.store.ObjectKey(req.Story.UserID, req.Story.ID, req.PageNumber, "original")
		url, uerr := p.store.Upload(ctx, key, normalized, "image/jpeg")
		if uerr != nil {
			return uerr
		}
		originalURL = url
		return nil
	})
	if err != nil {
		return p.failPage(ctx, req, req.SourceURL, "", err, logFields)
	}

	result, err := p.strategy.Transform(ctx, StrategyRequest{
		Story:      req.Story,
		PageNumber: req.PageNumber,
		ImageData:  normalized,
		Digest:     req.Digest,
	})
	if err != nil {
		return p.failPage(ctx, req, originalURL, "", err, logFields)
	}

	var generatedURL string
	errCtx.Operation = "upload_generated"
	err = p.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		key := p.store.ObjectKey(req.Story.UserID, req.Story.ID, req.PageNumber, "generated")
		url, uerr := p.store.Upload(ctx, key, result.ImageData, "image/png")
		if uerr != nil {
			return uerr
		}
		generatedURL = url
		return nil
	})
	if err != nil {
		return p.failPage(ctx, req, originalURL, result.PromptText, err, logFields)
	}

	page := &models.StoryPage{
		StoryID:      req.Story.ID,
		PageNumber:   req.PageNumber,
		OriginalURL:  originalURL,
		GeneratedURL: &generatedURL,
		Status:       models.PageStatusCompleted,
		PromptText:   result.PromptText,
	}
	if err := p.pages.Upsert(ctx, page); err != nil {
		return p.failPage(ctx, req, originalURL, result.PromptText, err, logFields)
	}

	p.logger.Info("Page completed", logFields...)
	return models.CompletedOutcome(page, result.DigestCandidate)
}

// failPage персистирует строку failed и возвращает исход. Сбой самого upsert-а
// только логируется: терминацию истории это не должно блокировать.
func (p *pageProcessor) failPage(ctx context.Context, req PageRequest, originalURL, promptText string, cause error, logFields []zap.Field) models.PageOutcome {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, models.ErrStoryCancelled) {
		p.logger.Info("Page processing cancelled, result discarded", logFields...)
		return models.CancelledOutcome(req.PageNumber)
	}
	p.logger.Error("Page failed", append(logFields, zap.Error(cause))...)

	details := cause.Error()
	page := &models.StoryPage{
		StoryID:      req.Story.ID,
		PageNumber:   req.PageNumber,
		OriginalURL:  originalURL,
		Status:       models.PageStatusFailed,
		PromptText:   promptText,
		ErrorDetails: &details,
	}
	if err := p.pages.Upsert(ctx, page); err != nil {
		p.logger.Error("Failed to persist failed page row",
			append(logFields, zap.Error(fmt.Errorf("upsert: %w", err)))...)
	}
	return models.FailedOutcome(req.PageNumber, cause)
}
