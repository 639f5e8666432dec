package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

const (
	enqueueJobQuery = `
		INSERT INTO story_processing_jobs (story_id, page_number, source_url, status, character_version)
		VALUES ($1, $2, $3, 'queued', $4)`

	claimJobQuery = `
		UPDATE story_processing_jobs
		SET status = 'processing', claimed_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM story_processing_jobs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, story_id, page_number, source_url, status, character_version,
		          error_details, created_at, updated_at, claimed_at`

	completeJobQuery = `
		UPDATE story_processing_jobs
		SET status = 'completed', updated_at = now()
		WHERE id = $1 AND status = 'processing'`

	failJobQuery = `
		UPDATE story_processing_jobs
		SET status = 'failed', error_details = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`

	cancelPendingJobsQuery = `
		UPDATE story_processing_jobs
		SET status = 'cancelled', updated_at = now()
		WHERE story_id = $1 AND status IN ('queued', 'processing')`

	countPendingJobsQuery = `
		SELECT COUNT(*) FROM story_processing_jobs
		WHERE story_id = $1 AND status IN ('queued', 'processing')`
)

type pgProcessingJobRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPgProcessingJobRepository создает репозиторий постраничных задач.
func NewPgProcessingJobRepository(db *pgxpool.Pool, logger *zap.Logger) ProcessingJobRepository {
	return &pgProcessingJobRepository{db: db, logger: logger.Named("pg_job_repo")}
}

func (r *pgProcessingJobRepository) Enqueue(ctx context.Context, jobs []models.ProcessingJob) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range jobs {
		job := &jobs[i]
		if _, err := tx.Exec(ctx, enqueueJobQuery,
			job.StoryID, job.PageNumber, job.SourceURL, job.CharacterVersion); err != nil {
			r.logger.Error("Failed to enqueue processing job",
				zap.String("story_id", job.StoryID.String()),
				zap.Int("page_number", job.PageNumber),
				zap.Error(err))
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit enqueue tx: %w", err)
	}
	return nil
}

func (r *pgProcessingJobRepository) Claim(ctx context.Context) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	err := pgxscan.Get(ctx, r.db, &job, claimJobQuery)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to claim processing job", zap.Error(err))
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

func (r *pgProcessingJobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, completeJobQuery, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgProcessingJobRepository) Fail(ctx context.Context, id uuid.UUID, details string) error {
	tag, err := r.db.Exec(ctx, failJobQuery, id, details)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgProcessingJobRepository) CountPending(ctx context.Context, storyID uuid.UUID) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, countPendingJobsQuery, storyID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

func (r *pgProcessingJobRepository) CancelPending(ctx context.Context, storyID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, cancelPendingJobsQuery, storyID)
	if err != nil {
		r.logger.Error("Failed to cancel pending jobs", zap.String("story_id", storyID.String()), zap.Error(err))
		return 0, fmt.Errorf("failed to cancel pending jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
