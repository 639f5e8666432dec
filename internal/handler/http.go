package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/cache"
	"storybook-server/internal/messaging"
	"storybook-server/internal/middleware"
	"storybook-server/internal/models"
	"storybook-server/internal/orchestrator"
	"storybook-server/internal/repository"
	"storybook-server/internal/taskmanager"
)

// Config - границы входа.
type Config struct {
	MaxPagesPerStory   int
	SyncThreshold      int
	MaxRequestBytes    int64
	TrustedStorageHost string
	SyncWaitTimeout    time.Duration
}

// StoryHandler - HTTP-вход пайплайна: запуск трансформации, отмена, статус.
type StoryHandler struct {
	stories   repository.StoryRepository
	pages     repository.StoryPageRepository
	jobs      repository.ProcessingJobRepository
	publisher messaging.TaskPublisher
	orch      *orchestrator.Orchestrator
	tracker   *taskmanager.Tracker
	status    cache.StatusCache
	cfg       Config
	logger    *zap.Logger
}

// NewStoryHandler создает HTTP-обработчик историй.
func NewStoryHandler(
	stories repository.StoryRepository,
	pages repository.StoryPageRepository,
	jobs repository.ProcessingJobRepository,
	publisher messaging.TaskPublisher,
	orch *orchestrator.Orchestrator,
	tracker *taskmanager.Tracker,
	status cache.StatusCache,
	cfg Config,
	logger *zap.Logger,
) *StoryHandler {
	if cfg.SyncWaitTimeout <= 0 {
		cfg.SyncWaitTimeout = 10 * time.Minute
	}
	return &StoryHandler{
		stories:   stories,
		pages:     pages,
		jobs:      jobs,
		publisher: publisher,
		orch:      orch,
		tracker:   tracker,
		status:    status,
		cfg:       cfg,
		logger:    logger.Named("story_handler"),
	}
}

// RegisterRoutes вешает маршруты на защищённую группу.
func (h *StoryHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/stories/transform", h.Transform)
	group.POST("/stories/:id/cancel", h.Cancel)
	group.GET("/stories/:id/status", h.Status)
}

type imageRef struct {
	StorageURL string `json:"storageUrl"`
	PageNumber int    `json:"pageNumber"`
}

type transformRequest struct {
	StoryID   string     `json:"storyId" binding:"required"`
	ImageURLs []imageRef `json:"imageUrls" binding:"required"`
	ArtStyle  string     `json:"artStyle"`
}

type transformResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Status          string `json:"status"`
	TaskID          string `json:"task_id,omitempty"`
	PagesProcessed  int    `json:"pages_processed"`
	SuccessfulPages int    `json:"successful_pages"`
	FailedPages     int    `json:"failed_pages"`
}

// Transform - вход пайплайна. Маленькие истории обрабатываются синхронно
// (ответ несёт финальные счётчики); большие уходят в очередь, ответ - 202.
func (h *StoryHandler) Transform(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxRequestBytes)
	var req transformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	storyID, err := uuid.Parse(req.StoryID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storyId must be a valid UUID"})
		return
	}
	if err := h.validateImageRefs(req.ImageURLs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	story, err := h.stories.GetByID(c.Request.Context(), storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if story.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "story belongs to another user"})
		return
	}
	// Отмена, догнавшая запрос - ожидаемая гонка, а не ошибка
	if story.Status == models.StoryStatusCancelled {
		c.JSON(http.StatusOK, transformResponse{
			Success: true,
			Message: "story is cancelled, transformation skipped",
			Status:  string(models.StoryStatusCancelled),
		})
		return
	}

	story.ArtStyle = models.NormalizeArtStyle(req.ArtStyle)

	pages := make([]orchestrator.PageInput, 0, len(req.ImageURLs))
	for _, ref := range req.ImageURLs {
		pages = append(pages, orchestrator.PageInput{
			PageNumber: ref.PageNumber,
			SourceURL:  ref.StorageURL,
		})
	}

	if len(pages) <= h.cfg.SyncThreshold {
		h.runSync(c, story, pages)
		return
	}
	h.dispatchAsync(c, story, req.ImageURLs)
}

// validateImageRefs проверяет форму ссылок: границы количества, уникальные
// положительные номера страниц, доверенный хост хранилища.
func (h *StoryHandler) validateImageRefs(refs []imageRef) error {
	if len(refs) == 0 {
		return fmt.Errorf("imageUrls must not be empty")
	}
	if len(refs) > h.cfg.MaxPagesPerStory {
		return fmt.Errorf("too many pages: %d exceeds limit of %d", len(refs), h.cfg.MaxPagesPerStory)
	}
	seen := make(map[int]bool, len(refs))
	for _, ref := range refs {
		if ref.PageNumber < 1 {
			return fmt.Errorf("pageNumber must be positive")
		}
		if seen[ref.PageNumber] {
			return fmt.Errorf("duplicate pageNumber %d", ref.PageNumber)
		}
		seen[ref.PageNumber] = true

		parsed, err := url.Parse(ref.StorageURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("storageUrl for page %d is not a valid URL", ref.PageNumber)
		}
		if parsed.Hostname() != h.cfg.TrustedStorageHost {
			return fmt.Errorf("storageUrl for page %d points outside the storage domain", ref.PageNumber)
		}
	}
	return nil
}

// runSync гонит прогон в текущем процессе и ждёт финала. Прогон регистрируется
// в трекере, чтобы параллельный cancel его видел.
func (h *StoryHandler) runSync(c *gin.Context, story *models.Story, pages []orchestrator.PageInput) {
	type runDone struct {
		result *orchestrator.Result
		err    error
	}
	done := make(chan runDone, 1)

	taskID, err := h.tracker.Submit(context.WithoutCancel(c.Request.Context()), story.ID, func(ctx context.Context) error {
		result, runErr := h.orch.RunSequential(ctx, story, pages)
		done <- runDone{result: result, err: runErr}
		return runErr
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "story is already being processed"})
		return
	}

	select {
	case <-time.After(h.cfg.SyncWaitTimeout):
		c.JSON(http.StatusAccepted, transformResponse{
			Success: true,
			Message: "transformation is taking longer than expected, poll the status endpoint",
			Status:  string(models.StoryStatusProcessing),
			TaskID:  taskID.String(),
		})
	case outcome := <-done:
		if outcome.err != nil {
			h.respondError(c, outcome.err)
			return
		}
		result := outcome.result
		c.JSON(http.StatusOK, transformResponse{
			Success:         true,
			Message:         result.Description,
			Status:          string(result.Status),
			TaskID:          taskID.String(),
			PagesProcessed:  result.TotalPages,
			SuccessfulPages: result.Succeeded,
			FailedPages:     result.Failed,
		})
	}
}

// dispatchAsync публикует задачу в очередь. При недоступном брокере страницы
// дублируются в таблицу задач - их доберёт фоновый recovery-цикл.
func (h *StoryHandler) dispatchAsync(c *gin.Context, story *models.Story, refs []imageRef) {
	ctx := c.Request.Context()

	payload := messaging.StoryTransformTaskPayload{
		TaskID:           uuid.New(),
		StoryID:          story.ID,
		UserID:           story.UserID,
		ArtStyle:         string(story.ArtStyle),
		CharacterVersion: story.CharacterVersion,
	}
	for _, ref := range refs {
		payload.Pages = append(payload.Pages, messaging.PageRef{
			StorageURL: ref.StorageURL,
			PageNumber: ref.PageNumber,
		})
	}

	if err := h.stories.MarkProcessing(ctx, story.ID, len(refs)); err != nil {
		if errors.Is(err, models.ErrStoryCancelled) {
			c.JSON(http.StatusOK, transformResponse{
				Success: true,
				Message: "story is cancelled, transformation skipped",
				Status:  string(models.StoryStatusCancelled),
			})
			return
		}
		h.respondError(c, err)
		return
	}

	if err := h.publisher.PublishTransformTask(ctx, payload); err != nil {
		h.logger.Error("Failed to publish transform task, falling back to job table",
			zap.String("story_id", story.ID.String()), zap.Error(err))

		jobs := make([]models.ProcessingJob, 0, len(refs))
		for _, ref := range refs {
			jobs = append(jobs, models.ProcessingJob{
				StoryID:          story.ID,
				PageNumber:       ref.PageNumber,
				SourceURL:        ref.StorageURL,
				CharacterVersion: story.CharacterVersion,
			})
		}
		if jobErr := h.jobs.Enqueue(ctx, jobs); jobErr != nil {
			h.logger.Error("Job table fallback failed",
				zap.String("story_id", story.ID.String()), zap.Error(jobErr))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to schedule transformation"})
			return
		}
	}

	c.JSON(http.StatusAccepted, transformResponse{
		Success: true,
		Message: "transformation scheduled",
		Status:  string(models.StoryStatusProcessing),
		TaskID:  payload.TaskID.String(),
	})
}

// Cancel отменяет прогон истории: терминальная запись в БД, флаг в Redis для
// быстрого наблюдения, снятие in-process прогона и зачистка очереди задач.
func (h *StoryHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "story id must be a valid UUID"})
		return
	}

	ctx := c.Request.Context()
	if err := h.stories.Cancel(ctx, storyID, userID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.status.SetCancelled(ctx, storyID); err != nil {
		h.logger.Warn("Failed to set cancel flag in cache",
			zap.String("story_id", storyID.String()), zap.Error(err))
	}
	h.tracker.Cancel(storyID)
	if n, err := h.jobs.CancelPending(ctx, storyID); err != nil {
		h.logger.Warn("Failed to cancel pending jobs",
			zap.String("story_id", storyID.String()), zap.Error(err))
	} else if n > 0 {
		h.logger.Info("Pending jobs cancelled",
			zap.String("story_id", storyID.String()), zap.Int64("count", n))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  string(models.StoryStatusCancelled),
	})
}

type statusResponse struct {
	StoryID         string  `json:"story_id"`
	Status          string  `json:"status"`
	Progress        string  `json:"progress,omitempty"`
	TotalPages      int     `json:"total_pages"`
	CompletedPages  int     `json:"completed_pages"`
	FailedPages     int     `json:"failed_pages"`
	Description     string  `json:"description,omitempty"`
	CancelledAt     *string `json:"cancelled_at,omitempty"`
	ActiveRunTaskID string  `json:"active_run_task_id,omitempty"`
}

// Status возвращает статус истории и прогресс прогона для поллинга клиентом.
func (h *StoryHandler) Status(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "story id must be a valid UUID"})
		return
	}

	ctx := c.Request.Context()
	story, err := h.stories.GetByID(ctx, storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if story.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "story belongs to another user"})
		return
	}

	completed, err := h.pages.CountByStatus(ctx, storyID, models.PageStatusCompleted)
	if err != nil {
		h.respondError(c, err)
		return
	}
	failed, err := h.pages.CountByStatus(ctx, storyID, models.PageStatusFailed)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := statusResponse{
		StoryID:        story.ID.String(),
		Status:         string(story.Status),
		TotalPages:     story.TotalPages,
		CompletedPages: completed,
		FailedPages:    failed,
		Description:    story.Description,
	}
	if progress, perr := h.status.GetProgress(ctx, storyID); perr == nil && progress != "" {
		resp.Progress = progress
	}
	if story.CancelledAt != nil {
		ts := story.CancelledAt.UTC().Format(time.RFC3339)
		resp.CancelledAt = &ts
	}
	if run, active := h.tracker.ActiveForStory(storyID); active {
		resp.ActiveRunTaskID = run.TaskID.String()
	}

	c.JSON(http.StatusOK, resp)
}

func (h *StoryHandler) respondError(c *gin.Context, err error) {
	status := models.HTTPStatusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
