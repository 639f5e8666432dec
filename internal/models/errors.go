package models

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Стандартные ошибки сервиса.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("invalid input data")

	// ErrStoryCancelled - история отменена пользователем; для вызывающего это
	// нормальный ранний выход, а не ошибка обработки.
	ErrStoryCancelled = errors.New("story cancelled")

	// ErrCircuitOpen - circuit breaker открыт, вызов к AI-шлюзу не выполнялся.
	ErrCircuitOpen = errors.New("ai gateway circuit is open")

	// Сентинелы характера сбоя внешнего вызова. PipelineError сопоставляется
	// с ними через errors.Is: transient - ретраи исчерпаны на преходящем сбое,
	// permanent - классификация запретила повтор.
	ErrGatewayTransient = errors.New("transient ai gateway error")
	ErrGatewayPermanent = errors.New("permanent ai gateway error")

	ErrJobStale = errors.New("processing job is stale")
)

// ErrorCode - код классификации сбоя (см. классификатор в internal/retry).
type ErrorCode string

const (
	CodeNetwork     ErrorCode = "network"
	CodeRateLimit   ErrorCode = "rate_limit"
	CodeServerError ErrorCode = "server_error"
	CodeAuthError   ErrorCode = "auth_error"
	CodeClientError ErrorCode = "client_error"
	CodeCircuitOpen ErrorCode = "circuit_open"
	CodeCancelled   ErrorCode = "cancelled"
	CodeValidation  ErrorCode = "validation"
	CodeUnknown     ErrorCode = "unknown"
)

// ErrorContext - контекст, который несёт каждая исчерпавшая ретраи ошибка.
// Его логируют оркестратор/процессор и сохраняют в description истории.
type ErrorContext struct {
	StoryID    uuid.UUID
	PageNumber int
	UserID     uuid.UUID
	Operation  string
	Attempts   int
	Timestamp  time.Time
}

// PipelineError - типизированная ошибка пайплайна вместо JSON-строк в тексте
// ошибки. Retryable фиксирует характер исходного сбоя: true - преходящий
// (ретраи исчерпаны), false - классификация запретила повтор. Повторять
// операцию с этой ошибкой в любом случае уже поздно.
type PipelineError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Context   ErrorContext
	cause     error
}

// NewPipelineError оборачивает причину в PipelineError с контекстом.
func NewPipelineError(code ErrorCode, msg string, ctx ErrorContext, cause error) *PipelineError {
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now().UTC()
	}
	return &PipelineError{Code: code, Message: msg, Context: ctx, cause: cause}
}

func (e *PipelineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s [%s, op=%s, page=%d, attempts=%d]: %v",
			e.Message, e.Code, e.Context.Operation, e.Context.PageNumber, e.Context.Attempts, e.cause)
	}
	return fmt.Sprintf("%s [%s, op=%s, page=%d]", e.Message, e.Code, e.Context.Operation, e.Context.PageNumber)
}

func (e *PipelineError) Unwrap() error { return e.cause }

// Is сопоставляет ошибку с сентинелами характера сбоя, чтобы вызывающие
// различали исчерпанные ретраи и постоянный отказ через errors.Is.
func (e *PipelineError) Is(target error) bool {
	switch target {
	case ErrGatewayTransient:
		return e.Retryable
	case ErrGatewayPermanent:
		// Отмена - не отказ шлюза
		return !e.Retryable && e.Code != CodeCancelled
	}
	return false
}

// HTTPStatus возвращает HTTP-статус для ответа Job Entry Point.
func (e *PipelineError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeClientError:
		return http.StatusBadRequest
	case CodeAuthError:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusForError отображает ошибки сервиса на HTTP-статусы согласно
// таксономии: 400 валидация, 401 аутентификация, 403 владение, 404 не найдено.
func HTTPStatusForError(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.HTTPStatus()
	}
	return http.StatusInternalServerError
}
