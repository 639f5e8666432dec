package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storybook-server/internal/models"
	"storybook-server/internal/repository"
)

// MockStoryRepository - мок репозитория историй.
type MockStoryRepository struct {
	mock.Mock
}

var _ repository.StoryRepository = (*MockStoryRepository)(nil)

func (m *MockStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	args := m.Called(ctx, id)
	story, _ := args.Get(0).(*models.Story)
	return story, args.Error(1)
}

func (m *MockStoryRepository) GetStatus(ctx context.Context, id uuid.UUID) (models.StoryStatus, error) {
	args := m.Called(ctx, id)
	status, _ := args.Get(0).(models.StoryStatus)
	return status, args.Error(1)
}

func (m *MockStoryRepository) MarkProcessing(ctx context.Context, id uuid.UUID, totalPages int) error {
	args := m.Called(ctx, id, totalPages)
	return args.Error(0)
}

func (m *MockStoryRepository) UpdateDescription(ctx context.Context, id uuid.UUID, description string) error {
	args := m.Called(ctx, id, description)
	return args.Error(0)
}

func (m *MockStoryRepository) SetCharacterDigest(ctx context.Context, id uuid.UUID, digest string) error {
	args := m.Called(ctx, id, digest)
	return args.Error(0)
}

func (m *MockStoryRepository) FinalizeStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, description string) error {
	args := m.Called(ctx, id, status, description)
	return args.Error(0)
}

func (m *MockStoryRepository) Cancel(ctx context.Context, id, userID uuid.UUID) error {
	args := m.Called(ctx, id, userID)
	return args.Error(0)
}

func (m *MockStoryRepository) MarkStaleProcessingFailed(ctx context.Context, threshold time.Duration) (int64, error) {
	args := m.Called(ctx, threshold)
	return args.Get(0).(int64), args.Error(1)
}

// MockStoryPageRepository - мок репозитория страниц.
type MockStoryPageRepository struct {
	mock.Mock
}

var _ repository.StoryPageRepository = (*MockStoryPageRepository)(nil)

func (m *MockStoryPageRepository) Upsert(ctx context.Context, page *models.StoryPage) error {
	args := m.Called(ctx, page)
	return args.Error(0)
}

func (m *MockStoryPageRepository) ListByStory(ctx context.Context, storyID uuid.UUID) ([]models.StoryPage, error) {
	args := m.Called(ctx, storyID)
	pages, _ := args.Get(0).([]models.StoryPage)
	return pages, args.Error(1)
}

func (m *MockStoryPageRepository) CountByStatus(ctx context.Context, storyID uuid.UUID, status models.PageStatus) (int, error) {
	args := m.Called(ctx, storyID, status)
	return args.Int(0), args.Error(1)
}

// MockProcessingJobRepository - мок очереди постраничных задач.
type MockProcessingJobRepository struct {
	mock.Mock
}

var _ repository.ProcessingJobRepository = (*MockProcessingJobRepository)(nil)

func (m *MockProcessingJobRepository) Enqueue(ctx context.Context, jobs []models.ProcessingJob) error {
	args := m.Called(ctx, jobs)
	return args.Error(0)
}

func (m *MockProcessingJobRepository) Claim(ctx context.Context) (*models.ProcessingJob, error) {
	args := m.Called(ctx)
	job, _ := args.Get(0).(*models.ProcessingJob)
	return job, args.Error(1)
}

func (m *MockProcessingJobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockProcessingJobRepository) Fail(ctx context.Context, id uuid.UUID, details string) error {
	args := m.Called(ctx, id, details)
	return args.Error(0)
}

func (m *MockProcessingJobRepository) CancelPending(ctx context.Context, storyID uuid.UUID) (int64, error) {
	args := m.Called(ctx, storyID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockProcessingJobRepository) CountPending(ctx context.Context, storyID uuid.UUID) (int, error) {
	args := m.Called(ctx, storyID)
	return args.Int(0), args.Error(1)
}
