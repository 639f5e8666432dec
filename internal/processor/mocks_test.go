package processor

// Локальные двойники портов: общий пакет mocks зависит от processor ради
// MockPageProcessor, поэтому тесты самого processor держат свои моки.

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storybook-server/internal/gateway"
	"storybook-server/internal/models"
	"storybook-server/internal/repository"
	"storybook-server/internal/storage"
)

type mockGateway struct {
	mock.Mock
}

var _ gateway.Gateway = (*mockGateway)(nil)

func (m *mockGateway) AnalyzeImage(ctx context.Context, imageData []byte, instruction string) (string, error) {
	args := m.Called(ctx, imageData, instruction)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	args := m.Called(ctx, prompt)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockGateway) TransformImage(ctx context.Context, imageData []byte, prompt string) ([]byte, error) {
	args := m.Called(ctx, imageData, prompt)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

type mockImageStore struct {
	mock.Mock
}

var _ storage.ImageStore = (*mockImageStore)(nil)

func (m *mockImageStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, data, contentType)
	return args.String(0), args.Error(1)
}

func (m *mockImageStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	args := m.Called(ctx, url)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockImageStore) ObjectKey(userID, storyID uuid.UUID, pageNumber int, purpose string) string {
	args := m.Called(userID, storyID, pageNumber, purpose)
	return args.String(0)
}

type mockPageRepo struct {
	mock.Mock
}

var _ repository.StoryPageRepository = (*mockPageRepo)(nil)

func (m *mockPageRepo) Upsert(ctx context.Context, page *models.StoryPage) error {
	args := m.Called(ctx, page)
	return args.Error(0)
}

func (m *mockPageRepo) ListByStory(ctx context.Context, storyID uuid.UUID) ([]models.StoryPage, error) {
	args := m.Called(ctx, storyID)
	pages, _ := args.Get(0).([]models.StoryPage)
	return pages, args.Error(1)
}

func (m *mockPageRepo) CountByStatus(ctx context.Context, storyID uuid.UUID, status models.PageStatus) (int, error) {
	args := m.Called(ctx, storyID, status)
	return args.Int(0), args.Error(1)
}
