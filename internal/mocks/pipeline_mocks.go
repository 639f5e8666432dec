package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storybook-server/internal/cache"
	"storybook-server/internal/gateway"
	"storybook-server/internal/messaging"
	"storybook-server/internal/models"
	"storybook-server/internal/processor"
	"storybook-server/internal/storage"
)

// MockGateway - мок AI-шлюза.
type MockGateway struct {
	mock.Mock
}

var _ gateway.Gateway = (*MockGateway)(nil)

func (m *MockGateway) AnalyzeImage(ctx context.Context, imageData []byte, instruction string) (string, error) {
	args := m.Called(ctx, imageData, instruction)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	args := m.Called(ctx, prompt)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockGateway) TransformImage(ctx context.Context, imageData []byte, prompt string) ([]byte, error) {
	args := m.Called(ctx, imageData, prompt)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

// MockImageStore - мок blob-хранилища.
type MockImageStore struct {
	mock.Mock
}

var _ storage.ImageStore = (*MockImageStore)(nil)

func (m *MockImageStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, data, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockImageStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	args := m.Called(ctx, url)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockImageStore) ObjectKey(userID, storyID uuid.UUID, pageNumber int, purpose string) string {
	args := m.Called(userID, storyID, pageNumber, purpose)
	return args.String(0)
}

// MockPageProcessor - мок процессора одной страницы.
type MockPageProcessor struct {
	mock.Mock
}

var _ processor.PageProcessor = (*MockPageProcessor)(nil)

func (m *MockPageProcessor) ProcessPage(ctx context.Context, req processor.PageRequest) models.PageOutcome {
	args := m.Called(ctx, req)
	return args.Get(0).(models.PageOutcome)
}

// MockTaskPublisher - мок издателя задач.
type MockTaskPublisher struct {
	mock.Mock
}

var _ messaging.TaskPublisher = (*MockTaskPublisher)(nil)

func (m *MockTaskPublisher) PublishTransformTask(ctx context.Context, payload messaging.StoryTransformTaskPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func (m *MockTaskPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockStatusCache - мок кэша статусов.
type MockStatusCache struct {
	mock.Mock
}

var _ cache.StatusCache = (*MockStatusCache)(nil)

func (m *MockStatusCache) SetCancelled(ctx context.Context, storyID uuid.UUID) error {
	args := m.Called(ctx, storyID)
	return args.Error(0)
}

func (m *MockStatusCache) IsCancelled(ctx context.Context, storyID uuid.UUID) bool {
	args := m.Called(ctx, storyID)
	return args.Bool(0)
}

func (m *MockStatusCache) SetProgress(ctx context.Context, storyID uuid.UUID, progress string) error {
	args := m.Called(ctx, storyID, progress)
	return args.Error(0)
}

func (m *MockStatusCache) GetProgress(ctx context.Context, storyID uuid.UUID) (string, error) {
	args := m.Called(ctx, storyID)
	return args.String(0), args.Error(1)
}
