package models

import (
	"time"

	"github.com/google/uuid"
)

// StoryStatus - статус истории в пайплайне трансформации.
type StoryStatus string

const (
	StoryStatusProcessing StoryStatus = "processing"
	StoryStatusCompleted  StoryStatus = "completed"
	StoryStatusPartial    StoryStatus = "partial"
	StoryStatusFailed     StoryStatus = "failed"
	StoryStatusCancelled  StoryStatus = "cancelled"
	StoryStatusSaved      StoryStatus = "saved"
)

// IsTerminal возвращает true, если пайплайн больше не имеет права мутировать историю.
func (s StoryStatus) IsTerminal() bool {
	switch s {
	case StoryStatusCompleted, StoryStatusPartial, StoryStatusFailed, StoryStatusCancelled:
		return true
	}
	return false
}

// ArtStyle - художественный стиль, выбранный пользователем для всей истории.
type ArtStyle string

const (
	ArtStyleClassicWatercolor ArtStyle = "classic_watercolor"
	ArtStyleSoftAnime         ArtStyle = "soft_anime"
	ArtStyleStorybookPop      ArtStyle = "storybook_pop"
	ArtStylePencilSketch      ArtStyle = "pencil_sketch"
)

// DefaultArtStyle используется, когда клиент прислал пустой или неизвестный стиль.
const DefaultArtStyle = ArtStyleClassicWatercolor

// NormalizeArtStyle приводит произвольную строку к известному стилю или к дефолту.
func NormalizeArtStyle(s string) ArtStyle {
	switch ArtStyle(s) {
	case ArtStyleClassicWatercolor, ArtStyleSoftAnime, ArtStyleStorybookPop, ArtStylePencilSketch:
		return ArtStyle(s)
	}
	return DefaultArtStyle
}

// Story - одна сквозная трансформация (все страницы одной книги).
// Переходы статуса монотонны: после cancelled или любого другого терминального
// статуса пайплайн историю не трогает.
type Story struct {
	ID               uuid.UUID   `db:"id"`
	UserID           uuid.UUID   `db:"user_id"`
	Title            string      `db:"title"`
	ArtStyle         ArtStyle    `db:"art_style"`
	Status           StoryStatus `db:"status"`
	TotalPages       int         `db:"total_pages"`
	CharacterDigest  string      `db:"character_digest"`
	CharacterVersion int         `db:"character_version"`
	Description      string      `db:"description"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
	CancelledAt      *time.Time  `db:"cancelled_at"`
}

// PageStatus - терминальный статус одной страницы.
type PageStatus string

const (
	PageStatusCompleted PageStatus = "completed"
	PageStatusFailed    PageStatus = "failed"
)

// StoryPage - единица трансформации: одна загруженная страница и её
// сгенерированный аналог. Уникальна по (story_id, page_number), строки
// пишутся upsert-ом, поэтому повторный прогон не плодит дубликатов.
type StoryPage struct {
	ID           uuid.UUID  `db:"id"`
	StoryID      uuid.UUID  `db:"story_id"`
	PageNumber   int        `db:"page_number"`
	OriginalURL  string     `db:"original_url"`
	GeneratedURL *string    `db:"generated_url"`
	Status       PageStatus `db:"status"`
	PromptText   string     `db:"prompt_text"`
	ErrorDetails *string    `db:"error_details"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// JobStatus - статус строки очереди story_processing_jobs.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ProcessingJob - единица работы асинхронного пути. Захватывается атомарно
// (claim), несёт штамп версии персонажа: если версия истории уехала вперёд,
// задача считается устаревшей и пропускается.
type ProcessingJob struct {
	ID               uuid.UUID  `db:"id"`
	StoryID          uuid.UUID  `db:"story_id"`
	PageNumber       int        `db:"page_number"`
	SourceURL        string     `db:"source_url"`
	Status           JobStatus  `db:"status"`
	CharacterVersion int        `db:"character_version"`
	ErrorDetails     *string    `db:"error_details"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	ClaimedAt        *time.Time `db:"claimed_at"`
}
