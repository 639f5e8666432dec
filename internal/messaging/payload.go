package messaging

import "github.com/google/uuid"

// PageRef - ссылка на одну загруженную страницу в задаче трансформации.
type PageRef struct {
	StorageURL string `json:"storage_url"`
	PageNumber int    `json:"page_number"`
}

// StoryTransformTaskPayload - тело задачи трансформации истории в очереди.
// CharacterVersion - штамп версии персонажа на момент постановки: воркер
// сверяет его с текущей версией истории и пропускает устаревшие задачи.
type StoryTransformTaskPayload struct {
	TaskID           uuid.UUID `json:"task_id"`
	StoryID          uuid.UUID `json:"story_id"`
	UserID           uuid.UUID `json:"user_id"`
	ArtStyle         string    `json:"art_style"`
	Pages            []PageRef `json:"pages"`
	CharacterVersion int       `json:"character_version"`
}
