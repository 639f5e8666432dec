package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storybook-server/internal/models"
)

// BreakerState - состояние circuit breaker-а.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker защищает AI-шлюз от долбёжки деградировавшего апстрима.
// Один разделяемый экземпляр на процесс, инжектируется в шлюз; всё состояние
// под мьютексом. Оборачивает только вызовы AI - не хранилище и не базу.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	failureThreshold int
	recoveryTimeout  time.Duration
	openedAt         time.Time
	probeInFlight    bool

	now    func() time.Time
	logger *zap.Logger
}

// NewCircuitBreaker создает breaker в состоянии CLOSED.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
		logger:           logger.Named("circuit_breaker"),
	}
}

// WithClock подменяет источник времени (для тестов).
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.now = now
	return b
}

// State возвращает текущее состояние.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow решает, пропускать ли вызов. В OPEN после recoveryTimeout переходит
// в HALF_OPEN и пропускает ровно один пробный вызов.
func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return models.ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		b.logger.Info("Circuit breaker half-open, allowing probe call")
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return models.ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// reportSuccess фиксирует успех вызова.
func (b *CircuitBreaker) reportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("Circuit breaker probe succeeded, closing circuit")
	}
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// reportFailure фиксирует сбой вызова.
func (b *CircuitBreaker) reportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		// Проба провалилась: обратно в OPEN, таймер сначала
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		b.logger.Warn("Circuit breaker probe failed, reopening circuit")
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warn("Circuit breaker tripped open",
			zap.Int("consecutive_failures", b.failures),
			zap.Duration("recovery_timeout", b.recoveryTimeout))
	}
}

// Execute выполняет fn под защитой breaker-а. В OPEN возвращает
// models.ErrCircuitOpen не вызывая fn.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.reportFailure()
		return err
	}
	b.reportSuccess()
	return nil
}
