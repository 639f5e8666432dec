package taskmanager

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return NewTracker(zerolog.New(io.Discard))
}

func waitForState(t *testing.T, tr *Tracker, taskID uuid.UUID, want RunState) Run {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("run %s never reached state %s", taskID, want)
		default:
		}
		if run, ok := tr.Get(taskID); ok && run.State == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	tr := newTestTracker()
	storyID := uuid.New()

	done := make(chan struct{})
	taskID, err := tr.Submit(context.Background(), storyID, func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	<-done
	run := waitForState(t, tr, taskID, RunStateFinished)
	assert.NotNil(t, run.DoneAt)

	_, active := tr.ActiveForStory(storyID)
	assert.False(t, active, "finished run is deregistered")
}

func TestSubmitRejectsConcurrentRunForSameStory(t *testing.T) {
	tr := newTestTracker()
	storyID := uuid.New()

	release := make(chan struct{})
	_, err := tr.Submit(context.Background(), storyID, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = tr.Submit(context.Background(), storyID, func(ctx context.Context) error { return nil })
	assert.Error(t, err, "one active run per story")
	close(release)
}

func TestCancelStopsRun(t *testing.T) {
	tr := newTestTracker()
	storyID := uuid.New()

	started := make(chan struct{})
	taskID, err := tr.Submit(context.Background(), storyID, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.True(t, tr.Cancel(storyID))

	run := waitForState(t, tr, taskID, RunStateCancelled)
	assert.Equal(t, RunStateCancelled, run.State)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	tr := newTestTracker()
	assert.False(t, tr.Cancel(uuid.New()))
}

func TestFailedRunRecordsError(t *testing.T) {
	tr := newTestTracker()
	taskID, err := tr.Submit(context.Background(), uuid.New(), func(ctx context.Context) error {
		return assert.AnError
	})
	require.NoError(t, err)

	run := waitForState(t, tr, taskID, RunStateFailed)
	assert.Contains(t, run.Err, assert.AnError.Error())
}
