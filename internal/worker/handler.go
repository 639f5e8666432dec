package worker

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storybook-server/internal/messaging"
	"storybook-server/internal/models"
	"storybook-server/internal/orchestrator"
	"storybook-server/internal/repository"
)

// Handler обрабатывает задачи трансформации из очереди: поднимает историю,
// отбрасывает устаревшие задачи и гонит страницы через батчевый оркестратор.
type Handler struct {
	stories        repository.StoryRepository
	orch           *orchestrator.Orchestrator
	pushGatewayURL string
	logger         *zap.Logger
}

// NewHandler создает обработчик задач воркера.
func NewHandler(
	stories repository.StoryRepository,
	orch *orchestrator.Orchestrator,
	pushGatewayURL string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		stories:        stories,
		orch:           orch,
		pushGatewayURL: pushGatewayURL,
		logger:         logger.Named("worker"),
	}
}

// HandleDelivery обрабатывает одно сообщение очереди. Возврат true - ack.
// Nack (в DLQ) получает только нечитаемый payload: бизнес-сбои прогона
// терминальны сами по себе, их повторная доставка ничего не исправит.
func (h *Handler) HandleDelivery(ctx context.Context, delivery amqp.Delivery) bool {
	var payload messaging.StoryTransformTaskPayload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		h.logger.Error("Failed to unmarshal transform task, rejecting to DLQ",
			zap.String("message_id", delivery.MessageId), zap.Error(err))
		return false
	}

	logFields := []zap.Field{
		zap.String("task_id", payload.TaskID.String()),
		zap.String("story_id", payload.StoryID.String()),
		zap.Int("pages", len(payload.Pages)),
	}
	h.logger.Info("Transform task received", logFields...)
	start := time.Now()

	status := h.process(ctx, payload, logFields)

	tasksProcessedTotal.WithLabelValues(status).Inc()
	taskDurationSeconds.Observe(time.Since(start).Seconds())
	pushMetrics(h.pushGatewayURL, h.logger)

	h.logger.Info("Transform task done",
		append(logFields,
			zap.String("status", status),
			zap.Duration("duration", time.Since(start)))...)
	return true
}

func (h *Handler) process(ctx context.Context, payload messaging.StoryTransformTaskPayload, logFields []zap.Field) string {
	story, err := h.stories.GetByID(ctx, payload.StoryID)
	if err != nil {
		h.logger.Error("Failed to load story for task", append(logFields, zap.Error(err))...)
		return "load_error"
	}

	// Штамп версии персонажа: задача, поставленная до смены дайджеста, устарела
	if story.CharacterVersion > payload.CharacterVersion {
		h.logger.Warn("Task is stale, skipping",
			append(logFields,
				zap.Int("task_version", payload.CharacterVersion),
				zap.Int("story_version", story.CharacterVersion))...)
		return "stale"
	}
	if story.Status.IsTerminal() && story.Status != models.StoryStatusCancelled {
		h.logger.Warn("Story already terminal, skipping task",
			append(logFields, zap.String("status", string(story.Status)))...)
		return "already_terminal"
	}

	// Стиль выбран в запросе на трансформацию, а не при создании истории
	story.ArtStyle = models.NormalizeArtStyle(payload.ArtStyle)

	pages := make([]orchestrator.PageInput, 0, len(payload.Pages))
	for _, ref := range payload.Pages {
		pages = append(pages, orchestrator.PageInput{
			PageNumber: ref.PageNumber,
			SourceURL:  ref.StorageURL,
		})
	}

	result, err := h.orch.RunBatched(ctx, story, pages)
	if err != nil {
		h.logger.Error("Story run failed", append(logFields, zap.Error(err))...)
		return "run_error"
	}

	pagesProcessedTotal.WithLabelValues("completed").Add(float64(result.Succeeded))
	pagesProcessedTotal.WithLabelValues("failed").Add(float64(result.Failed))
	return string(result.Status)
}
