package repository

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

const (
	upsertStoryPageQuery = `
		INSERT INTO story_pages (story_id, page_number, original_url, generated_url, status, prompt_text, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (story_id, page_number) DO UPDATE SET
			original_url  = EXCLUDED.original_url,
			generated_url = EXCLUDED.generated_url,
			status        = EXCLUDED.status,
			prompt_text   = EXCLUDED.prompt_text,
			error_details = EXCLUDED.error_details,
			updated_at    = now()
		RETURNING id, created_at, updated_at`

	listStoryPagesQuery = `
		SELECT id, story_id, page_number, original_url, generated_url,
		       status, prompt_text, error_details, created_at, updated_at
		FROM story_pages
		WHERE story_id = $1
		ORDER BY page_number`

	countStoryPagesByStatusQuery = `
		SELECT count(*) FROM story_pages WHERE story_id = $1 AND status = $2`
)

type pgStoryPageRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPgStoryPageRepository создает репозиторий страниц поверх pgx-пула.
func NewPgStoryPageRepository(db *pgxpool.Pool, logger *zap.Logger) StoryPageRepository {
	return &pgStoryPageRepository{db: db, logger: logger.Named("pg_story_page_repo")}
}

func (r *pgStoryPageRepository) Upsert(ctx context.Context, page *models.StoryPage) error {
	err := r.db.QueryRow(ctx, upsertStoryPageQuery,
		page.StoryID, page.PageNumber, page.OriginalURL, page.GeneratedURL,
		page.Status, page.PromptText, page.ErrorDetails,
	).Scan(&page.ID, &page.CreatedAt, &page.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to upsert story page",
			zap.String("story_id", page.StoryID.String()),
			zap.Int("page_number", page.PageNumber),
			zap.Error(err))
		return fmt.Errorf("failed to upsert story page: %w", err)
	}
	return nil
}

func (r *pgStoryPageRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]models.StoryPage, error) {
	var pages []models.StoryPage
	if err := pgxscan.Select(ctx, r.db, &pages, listStoryPagesQuery, storyID); err != nil {
		r.logger.Error("Failed to list story pages", zap.String("story_id", storyID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list story pages: %w", err)
	}
	return pages, nil
}

func (r *pgStoryPageRepository) CountByStatus(ctx context.Context, storyID uuid.UUID, status models.PageStatus) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, countStoryPagesByStatusQuery, storyID, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count story pages: %w", err)
	}
	return count, nil
}
