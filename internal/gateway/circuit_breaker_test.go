package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

var errUpstream = errors.New("upstream exploded")

func failingCall(calls *int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return errUpstream
	}
}

func succeedingCall(calls *int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return nil
	}
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, 45*time.Second, zap.NewNop())
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, failingCall(&calls))
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, calls)

	// В OPEN вызов отбивается без обращения к апстриму
	err := b.Execute(ctx, failingCall(&calls))
	assert.ErrorIs(t, err, models.ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestCircuitBreakerRecoveryCycle(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker(2, 45*time.Second, zap.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, failingCall(&calls))
	}
	require.Equal(t, StateOpen, b.State())

	// До истечения recovery timeout - отказ
	now = now.Add(44 * time.Second)
	err := b.Execute(ctx, succeedingCall(&calls))
	require.ErrorIs(t, err, models.ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	// После таймаута первый вызов - проба, успех закрывает цепь
	now = now.Add(2 * time.Second)
	err = b.Execute(ctx, succeedingCall(&calls))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker(1, 30*time.Second, zap.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	calls := 0
	_ = b.Execute(ctx, failingCall(&calls))
	require.Equal(t, StateOpen, b.State())

	now = now.Add(31 * time.Second)
	err := b.Execute(ctx, failingCall(&calls))
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State(), "failed probe reopens the circuit")

	// Таймер пошёл заново с момента провала пробы
	now = now.Add(29 * time.Second)
	err = b.Execute(ctx, succeedingCall(&calls))
	assert.ErrorIs(t, err, models.ErrCircuitOpen)

	now = now.Add(2 * time.Second)
	err = b.Execute(ctx, succeedingCall(&calls))
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute, zap.NewNop())
	ctx := context.Background()

	calls := 0
	_ = b.Execute(ctx, failingCall(&calls))
	_ = b.Execute(ctx, failingCall(&calls))
	require.NoError(t, b.Execute(ctx, succeedingCall(&calls)))

	// Счётчик сброшен: ещё два сбоя не доводят до порога
	_ = b.Execute(ctx, failingCall(&calls))
	_ = b.Execute(ctx, failingCall(&calls))
	assert.Equal(t, StateClosed, b.State())
}
