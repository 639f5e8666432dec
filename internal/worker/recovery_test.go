package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storybook-server/internal/mocks"
	"storybook-server/internal/models"
	"storybook-server/internal/processor"
)

func recoveryFixture() (*RecoveryWorker, *mocks.MockProcessingJobRepository, *mocks.MockStoryRepository, *mocks.MockPageProcessor, *mocks.MockStoryPageRepository) {
	jobs := new(mocks.MockProcessingJobRepository)
	stories := new(mocks.MockStoryRepository)
	proc := new(mocks.MockPageProcessor)
	pages := new(mocks.MockStoryPageRepository)
	w := NewRecoveryWorker(jobs, stories, proc, pages, time.Second, zap.NewNop())
	return w, jobs, stories, proc, pages
}

func recoveryJob(storyID uuid.UUID, pageNumber int) *models.ProcessingJob {
	return &models.ProcessingJob{
		ID:         uuid.New(),
		StoryID:    storyID,
		PageNumber: pageNumber,
		SourceURL:  "https://storage.local/p.png",
		Status:     models.JobStatusProcessing,
	}
}

func TestRecoveryFinalizesStoryAfterLastJob(t *testing.T) {
	w, jobs, stories, proc, pages := recoveryFixture()
	storyID := uuid.New()
	story := &models.Story{ID: storyID, UserID: uuid.New(), Status: models.StoryStatusProcessing}

	first := recoveryJob(storyID, 1)
	second := recoveryJob(storyID, 2)
	jobs.On("Claim", mock.Anything).Return(first, nil).Once()
	jobs.On("Claim", mock.Anything).Return(second, nil).Once()
	jobs.On("Claim", mock.Anything).Return(nil, models.ErrNotFound).Once()
	stories.On("GetByID", mock.Anything, storyID).Return(story, nil).Twice()

	proc.On("ProcessPage", mock.Anything, mock.Anything).
		Return(models.CompletedOutcome(&models.StoryPage{StoryID: storyID, PageNumber: 1, Status: models.PageStatusCompleted}, "")).Twice()
	jobs.On("Complete", mock.Anything, first.ID).Return(nil).Once()
	jobs.On("Complete", mock.Anything, second.ID).Return(nil).Once()

	// После первой задачи очередь ещё не пуста, после второй - дренирована
	jobs.On("CountPending", mock.Anything, storyID).Return(1, nil).Once()
	jobs.On("CountPending", mock.Anything, storyID).Return(0, nil).Once()
	pages.On("CountByStatus", mock.Anything, storyID, models.PageStatusCompleted).Return(2, nil).Once()
	pages.On("CountByStatus", mock.Anything, storyID, models.PageStatusFailed).Return(0, nil).Once()
	stories.On("FinalizeStatus", mock.Anything, storyID, models.StoryStatusCompleted, "2 successful, 0 failed").
		Return(nil).Once()

	for w.processOne(context.Background()) {
	}

	jobs.AssertExpectations(t)
	stories.AssertExpectations(t)
	pages.AssertExpectations(t)
}

func TestRecoveryFinalizesPartialStory(t *testing.T) {
	w, jobs, stories, proc, pages := recoveryFixture()
	storyID := uuid.New()
	story := &models.Story{ID: storyID, UserID: uuid.New(), Status: models.StoryStatusProcessing}

	job := recoveryJob(storyID, 2)
	jobs.On("Claim", mock.Anything).Return(job, nil).Once()
	jobs.On("Claim", mock.Anything).Return(nil, models.ErrNotFound).Once()
	stories.On("GetByID", mock.Anything, storyID).Return(story, nil).Once()

	proc.On("ProcessPage", mock.Anything, mock.Anything).
		Return(models.FailedOutcome(2, models.ErrCircuitOpen)).Once()
	jobs.On("Fail", mock.Anything, job.ID, mock.Anything).Return(nil).Once()

	jobs.On("CountPending", mock.Anything, storyID).Return(0, nil).Once()
	pages.On("CountByStatus", mock.Anything, storyID, models.PageStatusCompleted).Return(1, nil).Once()
	pages.On("CountByStatus", mock.Anything, storyID, models.PageStatusFailed).Return(1, nil).Once()
	stories.On("FinalizeStatus", mock.Anything, storyID, models.StoryStatusPartial, "1 successful, 1 failed").
		Return(nil).Once()

	for w.processOne(context.Background()) {
	}

	jobs.AssertExpectations(t)
	stories.AssertExpectations(t)
}

func TestRecoveryCancelledStoryDropsJobsAsCancelled(t *testing.T) {
	w, jobs, stories, proc, _ := recoveryFixture()
	storyID := uuid.New()

	job := recoveryJob(storyID, 1)
	jobs.On("Claim", mock.Anything).Return(job, nil).Once()
	jobs.On("Claim", mock.Anything).Return(nil, models.ErrNotFound).Once()
	stories.On("GetByID", mock.Anything, storyID).Return(&models.Story{
		ID:     storyID,
		Status: models.StoryStatusCancelled,
	}, nil).Once()
	jobs.On("CancelPending", mock.Anything, storyID).Return(int64(1), nil).Once()

	for w.processOne(context.Background()) {
	}

	jobs.AssertExpectations(t)
	jobs.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything)
	proc.AssertNotCalled(t, "ProcessPage", mock.Anything, mock.Anything)
	stories.AssertNotCalled(t, "FinalizeStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecoveryPassesCharacterDigestToProcessor(t *testing.T) {
	w, jobs, stories, proc, _ := recoveryFixture()
	storyID := uuid.New()
	story := &models.Story{
		ID:              storyID,
		UserID:          uuid.New(),
		Status:          models.StoryStatusProcessing,
		CharacterDigest: "fox with a red scarf",
	}

	job := recoveryJob(storyID, 2)
	jobs.On("Claim", mock.Anything).Return(job, nil).Once()
	jobs.On("Claim", mock.Anything).Return(nil, models.ErrNotFound).Once()
	stories.On("GetByID", mock.Anything, storyID).Return(story, nil).Once()

	proc.On("ProcessPage", mock.Anything, mock.MatchedBy(func(req processor.PageRequest) bool {
		return req.Digest == "fox with a red scarf" && req.PageNumber == 2
	})).Return(models.CompletedOutcome(&models.StoryPage{StoryID: storyID, PageNumber: 2, Status: models.PageStatusCompleted}, "")).Once()
	jobs.On("Complete", mock.Anything, job.ID).Return(nil).Once()
	jobs.On("CountPending", mock.Anything, storyID).Return(1, nil).Once()

	for w.processOne(context.Background()) {
	}

	require.True(t, proc.AssertExpectations(t))
}
