package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"storybook-server/internal/models"
)

// StoryRepository - порт персистентности историй. Все мутации статуса
// условные: терминальные статусы монотонны, cancelled никогда не
// перезаписывается результатом прогона.
type StoryRepository interface {
	// GetByID возвращает историю или models.ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error)
	// GetStatus - лёгкое чтение статуса для поллинга отмены.
	GetStatus(ctx context.Context, id uuid.UUID) (models.StoryStatus, error)
	// MarkProcessing переводит историю в processing и фиксирует total_pages.
	// Для уже отменённой истории возвращает models.ErrStoryCancelled.
	MarkProcessing(ctx context.Context, id uuid.UUID, totalPages int) error
	// UpdateDescription обновляет человекочитаемый прогресс прогона.
	UpdateDescription(ctx context.Context, id uuid.UUID, description string) error
	// SetCharacterDigest фиксирует дайджест персонажа и инкрементирует его версию.
	SetCharacterDigest(ctx context.Context, id uuid.UUID, digest string) error
	// FinalizeStatus записывает терминальный статус прогона. Запись условная:
	// срабатывает только если история всё ещё processing; если её успели
	// отменить - возвращает models.ErrStoryCancelled, и вызывающий обязан
	// не трогать историю дальше.
	FinalizeStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, description string) error
	// Cancel отменяет историю от имени владельца. Повторная отмена - no-op.
	Cancel(ctx context.Context, id, userID uuid.UUID) error
	// MarkStaleProcessingFailed - реапер: помечает failed истории, зависшие
	// в processing дольше threshold. Возвращает число затронутых строк.
	MarkStaleProcessingFailed(ctx context.Context, threshold time.Duration) (int64, error)
}

// StoryPageRepository - порт персистентности страниц.
type StoryPageRepository interface {
	// Upsert вставляет или обновляет строку страницы по (story_id, page_number).
	Upsert(ctx context.Context, page *models.StoryPage) error
	// ListByStory возвращает страницы истории в порядке page_number.
	ListByStory(ctx context.Context, storyID uuid.UUID) ([]models.StoryPage, error)
	// CountByStatus возвращает количество страниц истории в заданном статусе.
	CountByStatus(ctx context.Context, storyID uuid.UUID, status models.PageStatus) (int, error)
}

// ProcessingJobRepository - порт очереди постраничных задач асинхронного пути.
type ProcessingJobRepository interface {
	// Enqueue ставит задачи страниц в очередь.
	Enqueue(ctx context.Context, jobs []models.ProcessingJob) error
	// Claim атомарно захватывает одну queued-задачу (FOR UPDATE SKIP LOCKED).
	// Возвращает models.ErrNotFound, если очередь пуста.
	Claim(ctx context.Context) (*models.ProcessingJob, error)
	// Complete помечает задачу выполненной.
	Complete(ctx context.Context, id uuid.UUID) error
	// Fail помечает задачу проваленной с деталями ошибки.
	Fail(ctx context.Context, id uuid.UUID, details string) error
	// CancelPending отменяет все невыполненные задачи истории.
	CancelPending(ctx context.Context, storyID uuid.UUID) (int64, error)
	// CountPending возвращает число незавершённых задач истории
	// (queued или processing). Ноль - очередь истории дренирована.
	CountPending(ctx context.Context, storyID uuid.UUID) (int, error)
}
