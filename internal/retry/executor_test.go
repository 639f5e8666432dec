package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

func newTestExecutor(maxAttempts int, sleeps *[]time.Duration) *Executor {
	exec := NewExecutor([]time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}, 0, maxAttempts, zap.NewNop())
	return exec.WithSleeper(func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	})
}

func TestExecutorSucceedsFirstAttempt(t *testing.T) {
	var sleeps []time.Duration
	exec := newTestExecutor(3, &sleeps)

	calls := 0
	err := exec.Do(context.Background(), models.ErrorContext{Operation: "op"}, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestExecutorRetryBound(t *testing.T) {
	var sleeps []time.Duration
	exec := newTestExecutor(3, &sleeps)

	calls := 0
	err := exec.Do(context.Background(), models.ErrorContext{Operation: "transform_image"}, func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, sleeps)

	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.CodeNetwork, pe.Code)
	assert.True(t, pe.Retryable, "exhausted retries on a transient failure keep the transient mark")
	assert.Equal(t, 3, pe.Context.Attempts)
	assert.Equal(t, "transform_image", pe.Context.Operation)
}

func TestExecutorNonRetryableShortCircuits(t *testing.T) {
	var sleeps []time.Duration
	exec := newTestExecutor(3, &sleeps)

	calls := 0
	err := exec.Do(context.Background(), models.ErrorContext{Operation: "analyze_image"}, func(ctx context.Context) error {
		calls++
		return &openai.APIError{HTTPStatusCode: 401, Message: "invalid api key"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable failure must not be retried")
	assert.Empty(t, sleeps)

	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.CodeAuthError, pe.Code)
}

func TestExecutorRecoversMidway(t *testing.T) {
	var sleeps []time.Duration
	exec := newTestExecutor(3, &sleeps)

	calls := 0
	err := exec.Do(context.Background(), models.ErrorContext{Operation: "op"}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &openai.APIError{HTTPStatusCode: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 2)
}

func TestExecutorJitterBound(t *testing.T) {
	exec := NewExecutor([]time.Duration{time.Second}, time.Second, 2, zap.NewNop())
	for i := 0; i < 50; i++ {
		d := exec.delayFor(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestExecutorErrorsMatchGatewaySentinels(t *testing.T) {
	var sleeps []time.Duration

	// Исчерпанные ретраи на преходящем сбое - transient
	exec := newTestExecutor(2, &sleeps)
	err := exec.Do(context.Background(), models.ErrorContext{Operation: "op"}, func(ctx context.Context) error {
		return &openai.APIError{HTTPStatusCode: 503, Message: "service unavailable"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrGatewayTransient)
	assert.NotErrorIs(t, err, models.ErrGatewayPermanent)

	// Запрещённый повтор - permanent
	err = exec.Do(context.Background(), models.ErrorContext{Operation: "op"}, func(ctx context.Context) error {
		return &openai.APIError{HTTPStatusCode: 401, Message: "invalid api key"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrGatewayPermanent)
	assert.NotErrorIs(t, err, models.ErrGatewayTransient)
}

func TestExecutorAbortedSleepReportsCancellation(t *testing.T) {
	exec := NewExecutor([]time.Duration{time.Second}, 0, 3, zap.NewNop()).
		WithSleeper(func(ctx context.Context, d time.Duration) error { return context.Canceled })

	err := exec.Do(context.Background(), models.ErrorContext{Operation: "op"}, func(ctx context.Context) error {
		return errors.New("transient blip")
	})
	require.Error(t, err)
	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.CodeCancelled, pe.Code)
	assert.NotErrorIs(t, err, models.ErrGatewayPermanent)
}
