package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storybook-server/internal/mocks"
	"storybook-server/internal/models"
	"storybook-server/internal/processor"
)

func testConfig() Config {
	return Config{
		BaseDelay:          time.Second,
		HealthySuccessRate: 0.8,
		SpeedUpFactor:      0.8,
		SlowDownFactor:     1.2,
		BatchSize:          2,
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testStory() *models.Story {
	return &models.Story{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		ArtStyle: models.ArtStyleClassicWatercolor,
		Status:   models.StoryStatusSaved,
	}
}

func pageInputs(n int) []PageInput {
	pages := make([]PageInput, 0, n)
	for i := 1; i <= n; i++ {
		pages = append(pages, PageInput{PageNumber: i, SourceURL: "https://storage.local/page.png"})
	}
	return pages
}

func completedPage(storyID uuid.UUID, n int) models.PageOutcome {
	url := "https://storage.local/generated.png"
	return models.CompletedOutcome(&models.StoryPage{
		StoryID:      storyID,
		PageNumber:   n,
		GeneratedURL: &url,
		Status:       models.PageStatusCompleted,
	}, "")
}

// Сценарий из пяти страниц: 2 и 4 падают перманентно, итог partial.
func TestRunSequentialPartialOutcome(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	stories.On("MarkProcessing", mock.Anything, story.ID, 5).Return(nil).Once()
	status.On("IsCancelled", mock.Anything, story.ID).Return(false)
	stories.On("GetStatus", mock.Anything, story.ID).Return(models.StoryStatusProcessing, nil)
	stories.On("UpdateDescription", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("SetProgress", mock.Anything, story.ID, mock.Anything).Return(nil)

	for n := 1; n <= 5; n++ {
		n := n
		outcome := completedPage(story.ID, n)
		if n == 2 || n == 4 {
			outcome = models.FailedOutcome(n, assert.AnError)
		}
		proc.On("ProcessPage", mock.Anything, mock.MatchedBy(func(req processor.PageRequest) bool {
			return req.PageNumber == n
		})).Return(outcome).Once()
	}
	stories.On("FinalizeStatus", mock.Anything, story.ID, models.StoryStatusPartial, "3 successful, 2 failed").Return(nil).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	result, err := orch.RunSequential(context.Background(), story, pageInputs(5))

	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusPartial, result.Status)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 5, result.TotalPages)
	assert.Equal(t, "3 successful, 2 failed", result.Description)
	stories.AssertExpectations(t)
	proc.AssertExpectations(t)
}

func TestRunSequentialAllCompleted(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	stories.On("MarkProcessing", mock.Anything, story.ID, 2).Return(nil).Once()
	status.On("IsCancelled", mock.Anything, story.ID).Return(false)
	stories.On("GetStatus", mock.Anything, story.ID).Return(models.StoryStatusProcessing, nil)
	stories.On("UpdateDescription", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("SetProgress", mock.Anything, story.ID, mock.Anything).Return(nil)
	proc.On("ProcessPage", mock.Anything, mock.Anything).Return(completedPage(story.ID, 1)).Twice()
	stories.On("FinalizeStatus", mock.Anything, story.ID, models.StoryStatusCompleted, "2 successful, 0 failed").Return(nil).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	result, err := orch.RunSequential(context.Background(), story, pageInputs(2))

	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCompleted, result.Status)
}

func TestRunSequentialAllFailed(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	stories.On("MarkProcessing", mock.Anything, story.ID, 2).Return(nil).Once()
	status.On("IsCancelled", mock.Anything, story.ID).Return(false)
	stories.On("GetStatus", mock.Anything, story.ID).Return(models.StoryStatusProcessing, nil)
	stories.On("UpdateDescription", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("SetProgress", mock.Anything, story.ID, mock.Anything).Return(nil)
	proc.On("ProcessPage", mock.Anything, mock.Anything).Return(models.FailedOutcome(1, assert.AnError)).Twice()
	stories.On("FinalizeStatus", mock.Anything, story.ID, models.StoryStatusFailed, "0 successful, 2 failed").Return(nil).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	result, err := orch.RunSequential(context.Background(), story, pageInputs(2))

	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusFailed, result.Status)
}

// Отмена между страницей 1 и 2: страница 2 не стартует, финальной записи нет.
func TestRunSequentialCancelledBetweenPages(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	stories.On("MarkProcessing", mock.Anything, story.ID, 2).Return(nil).Once()
	status.On("IsCancelled", mock.Anything, story.ID).Return(false).Once()
	stories.On("GetStatus", mock.Anything, story.ID).Return(models.StoryStatusProcessing, nil).Once()
	proc.On("ProcessPage", mock.Anything, mock.MatchedBy(func(req processor.PageRequest) bool {
		return req.PageNumber == 1
	})).Return(completedPage(story.ID, 1)).Once()
	stories.On("UpdateDescription", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("SetProgress", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("IsCancelled", mock.Anything, story.ID).Return(true).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	result, err := orch.RunSequential(context.Background(), story, pageInputs(2))

	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCancelled, result.Status)
	assert.Equal(t, 1, result.Succeeded)
	proc.AssertNumberOfCalls(t, "ProcessPage", 1)
	stories.AssertNotCalled(t, "FinalizeStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// Отмена выигрывает гонку с терминальной записью: статус не перезаписывается.
func TestFinalizeRaceCancellationWins(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	stories.On("MarkProcessing", mock.Anything, story.ID, 1).Return(nil).Once()
	status.On("IsCancelled", mock.Anything, story.ID).Return(false)
	stories.On("GetStatus", mock.Anything, story.ID).Return(models.StoryStatusProcessing, nil)
	proc.On("ProcessPage", mock.Anything, mock.Anything).Return(completedPage(story.ID, 1)).Once()
	stories.On("UpdateDescription", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("SetProgress", mock.Anything, story.ID, mock.Anything).Return(nil)
	stories.On("FinalizeStatus", mock.Anything, story.ID, models.StoryStatusCompleted, mock.Anything).
		Return(models.ErrStoryCancelled).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	result, err := orch.RunSequential(context.Background(), story, pageInputs(1))

	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCancelled, result.Status)
}

func TestRunSkipsAlreadyCancelledStory(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	stories.On("MarkProcessing", mock.Anything, story.ID, 3).Return(models.ErrStoryCancelled).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	result, err := orch.RunSequential(context.Background(), story, pageInputs(3))

	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCancelled, result.Status)
	proc.AssertNotCalled(t, "ProcessPage", mock.Anything, mock.Anything)
}

// Успех страницы 1 замораживает дайджест, страница 2 получает его в запросе.
func TestDigestPropagationToLaterPages(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	digest := "orange fox, red scarf"
	url := "https://storage.local/generated.png"
	firstOutcome := models.CompletedOutcome(&models.StoryPage{
		StoryID:      story.ID,
		PageNumber:   1,
		GeneratedURL: &url,
		Status:       models.PageStatusCompleted,
	}, digest)

	stories.On("MarkProcessing", mock.Anything, story.ID, 2).Return(nil).Once()
	status.On("IsCancelled", mock.Anything, story.ID).Return(false)
	stories.On("GetStatus", mock.Anything, story.ID).Return(models.StoryStatusProcessing, nil)
	stories.On("UpdateDescription", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("SetProgress", mock.Anything, story.ID, mock.Anything).Return(nil)

	proc.On("ProcessPage", mock.Anything, mock.MatchedBy(func(req processor.PageRequest) bool {
		return req.PageNumber == 1 && req.Digest == ""
	})).Return(firstOutcome).Once()
	stories.On("SetCharacterDigest", mock.Anything, story.ID, digest).Return(nil).Once()
	proc.On("ProcessPage", mock.Anything, mock.MatchedBy(func(req processor.PageRequest) bool {
		return req.PageNumber == 2 && req.Digest == digest
	})).Return(completedPage(story.ID, 2)).Once()
	stories.On("FinalizeStatus", mock.Anything, story.ID, models.StoryStatusCompleted, mock.Anything).Return(nil).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	_, err := orch.RunSequential(context.Background(), story, pageInputs(2))

	require.NoError(t, err)
	proc.AssertExpectations(t)
	stories.AssertExpectations(t)
}

func TestAdaptiveDelayScaling(t *testing.T) {
	orch := New(new(mocks.MockStoryRepository), new(mocks.MockPageProcessor), new(mocks.MockStatusCache), testConfig(), zap.NewNop())

	assert.Equal(t, time.Second, orch.adaptiveDelay(0, 0), "no data yet keeps the base delay")
	assert.Equal(t, 800*time.Millisecond, orch.adaptiveDelay(4, 1), "healthy rate speeds up")
	assert.Equal(t, 1200*time.Millisecond, orch.adaptiveDelay(1, 4), "degraded rate slows down")
	assert.Equal(t, 800*time.Millisecond, orch.adaptiveDelay(4, 0))
}

// Батчевый режим: страница 1 идёт отдельным батчем, остальные по размеру батча.
func TestSplitBatchesIsolatesFirstPage(t *testing.T) {
	orch := New(new(mocks.MockStoryRepository), new(mocks.MockPageProcessor), new(mocks.MockStatusCache), testConfig(), zap.NewNop())

	batches := orch.splitBatches(pageInputs(5), true)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 1)
	assert.Equal(t, 1, batches[0][0].PageNumber)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 2)
}

func TestRunBatchedTermination(t *testing.T) {
	story := testStory()
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	status := new(mocks.MockStatusCache)

	stories.On("MarkProcessing", mock.Anything, story.ID, 5).Return(nil).Once()
	status.On("IsCancelled", mock.Anything, story.ID).Return(false)
	stories.On("GetStatus", mock.Anything, story.ID).Return(models.StoryStatusProcessing, nil)
	stories.On("UpdateDescription", mock.Anything, story.ID, mock.Anything).Return(nil)
	status.On("SetProgress", mock.Anything, story.ID, mock.Anything).Return(nil)
	proc.On("ProcessPage", mock.Anything, mock.Anything).Return(completedPage(story.ID, 1)).Times(5)
	stories.On("FinalizeStatus", mock.Anything, story.ID, models.StoryStatusCompleted, "5 successful, 0 failed").Return(nil).Once()

	orch := New(stories, proc, status, testConfig(), zap.NewNop()).WithSleeper(noSleep)
	result, err := orch.RunBatched(context.Background(), story, pageInputs(5))

	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCompleted, result.Status)
	proc.AssertNumberOfCalls(t, "ProcessPage", 5)
}

func TestRunRejectsEmptyPageList(t *testing.T) {
	orch := New(new(mocks.MockStoryRepository), new(mocks.MockPageProcessor), new(mocks.MockStatusCache), testConfig(), zap.NewNop())

	_, err := orch.RunSequential(context.Background(), testStory(), nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}
