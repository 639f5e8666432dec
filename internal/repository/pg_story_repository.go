package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

const (
	getStoryByIDQuery = `
		SELECT id, user_id, title, art_style, status, total_pages,
		       character_digest, character_version, description,
		       created_at, updated_at, cancelled_at
		FROM stories
		WHERE id = $1`

	getStoryStatusQuery = `SELECT status FROM stories WHERE id = $1`

	markStoryProcessingQuery = `
		UPDATE stories
		SET status = 'processing', total_pages = $2, description = '', updated_at = now()
		WHERE id = $1 AND status != 'cancelled'`

	updateStoryDescriptionQuery = `
		UPDATE stories SET description = $2, updated_at = now() WHERE id = $1`

	setCharacterDigestQuery = `
		UPDATE stories
		SET character_digest = $2, character_version = character_version + 1, updated_at = now()
		WHERE id = $1`

	finalizeStoryStatusQuery = `
		UPDATE stories
		SET status = $2, description = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'`

	cancelStoryQuery = `
		UPDATE stories
		SET status = 'cancelled', cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status != 'cancelled'`

	getStoryOwnerQuery = `SELECT user_id, status FROM stories WHERE id = $1`

	markStaleProcessingQuery = `
		UPDATE stories
		SET status = 'failed', description = 'processing timed out', updated_at = now()
		WHERE status = ANY($1::story_status[]) AND updated_at < now() - $2::interval`
)

type pgStoryRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPgStoryRepository создает репозиторий историй поверх pgx-пула.
func NewPgStoryRepository(db *pgxpool.Pool, logger *zap.Logger) StoryRepository {
	return &pgStoryRepository{db: db, logger: logger.Named("pg_story_repo")}
}

func (r *pgStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story models.Story
	err := pgxscan.Get(ctx, r.db, &story, getStoryByIDQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get story", zap.String("story_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return &story, nil
}

func (r *pgStoryRepository) GetStatus(ctx context.Context, id uuid.UUID) (models.StoryStatus, error) {
	var status models.StoryStatus
	err := r.db.QueryRow(ctx, getStoryStatusQuery, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("failed to get story status: %w", err)
	}
	return status, nil
}

func (r *pgStoryRepository) MarkProcessing(ctx context.Context, id uuid.UUID, totalPages int) error {
	tag, err := r.db.Exec(ctx, markStoryProcessingQuery, id, totalPages)
	if err != nil {
		r.logger.Error("Failed to mark story processing", zap.String("story_id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to mark story processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо истории нет, либо её успели отменить
		status, statusErr := r.GetStatus(ctx, id)
		if statusErr != nil {
			return statusErr
		}
		if status == models.StoryStatusCancelled {
			return models.ErrStoryCancelled
		}
		return models.ErrNotFound
	}
	return nil
}

func (r *pgStoryRepository) UpdateDescription(ctx context.Context, id uuid.UUID, description string) error {
	tag, err := r.db.Exec(ctx, updateStoryDescriptionQuery, id, description)
	if err != nil {
		return fmt.Errorf("failed to update story description: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgStoryRepository) SetCharacterDigest(ctx context.Context, id uuid.UUID, digest string) error {
	tag, err := r.db.Exec(ctx, setCharacterDigestQuery, id, digest)
	if err != nil {
		r.logger.Error("Failed to set character digest", zap.String("story_id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to set character digest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgStoryRepository) FinalizeStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, description string) error {
	tag, err := r.db.Exec(ctx, finalizeStoryStatusQuery, id, status, description)
	if err != nil {
		r.logger.Error("Failed to finalize story status",
			zap.String("story_id", id.String()), zap.String("status", string(status)), zap.Error(err))
		return fmt.Errorf("failed to finalize story status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, statusErr := r.GetStatus(ctx, id)
		if statusErr != nil {
			return statusErr
		}
		if current == models.StoryStatusCancelled {
			return models.ErrStoryCancelled
		}
		r.logger.Warn("Story status already terminal, finalize skipped",
			zap.String("story_id", id.String()), zap.String("current_status", string(current)))
		return nil
	}
	return nil
}

func (r *pgStoryRepository) Cancel(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, cancelStoryQuery, id, userID)
	if err != nil {
		r.logger.Error("Failed to cancel story", zap.String("story_id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to cancel story: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var owner uuid.UUID
		var status models.StoryStatus
		scanErr := r.db.QueryRow(ctx, getStoryOwnerQuery, id).Scan(&owner, &status)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to check story for cancel: %w", scanErr)
		}
		if owner != userID {
			return models.ErrForbidden
		}
		// Уже отменена: идемпотентный успех
		return nil
	}
	return nil
}

func (r *pgStoryRepository) MarkStaleProcessingFailed(ctx context.Context, threshold time.Duration) (int64, error) {
	interval := fmt.Sprintf("%d seconds", int(threshold.Seconds()))
	statuses := pq.Array([]string{string(models.StoryStatusProcessing)})
	tag, err := r.db.Exec(ctx, markStaleProcessingQuery, statuses, interval)
	if err != nil {
		r.logger.Error("Failed to reap stale processing stories", zap.Error(err))
		return 0, fmt.Errorf("failed to reap stale stories: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.Warn("Marked stale processing stories as failed",
			zap.Int64("count", n), zap.Duration("threshold", threshold))
		return n, nil
	}
	return 0, nil
}
