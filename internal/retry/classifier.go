package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/sashabaranov/go-openai"

	"storybook-server/internal/models"
)

// Severity - условная серьёзность сбоя для логов и метрик.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Classification - результат классификации сбоя внешнего вызова.
type Classification struct {
	Code      models.ErrorCode
	Severity  Severity
	Retryable bool
}

// Classify относит ошибку к одной из корзин таксономии. Порядок проверок:
// сентинелы сервиса, типизированные ошибки OpenAI-клиента (по HTTP-статусу),
// сетевые ошибки, затем текстовые паттерны. Неопознанное - unknown,
// по умолчанию ретраится, но логируется отдельно.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Code: models.CodeUnknown, Severity: SeverityLow, Retryable: false}
	}

	if errors.Is(err, models.ErrCircuitOpen) {
		return Classification{Code: models.CodeCircuitOpen, Severity: SeverityHigh, Retryable: false}
	}
	if errors.Is(err, models.ErrStoryCancelled) {
		return Classification{Code: models.CodeCancelled, Severity: SeverityLow, Retryable: false}
	}
	// Отменённый контекст: прогон снят, повторять операцию бессмысленно
	if errors.Is(err, context.Canceled) {
		return Classification{Code: models.CodeCancelled, Severity: SeverityLow, Retryable: false}
	}
	if errors.Is(err, models.ErrValidation) {
		return Classification{Code: models.CodeValidation, Severity: SeverityMedium, Retryable: false}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return classifyHTTPStatus(reqErr.HTTPStatusCode)
		}
		return Classification{Code: models.CodeNetwork, Severity: SeverityMedium, Retryable: true}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Code: models.CodeNetwork, Severity: SeverityMedium, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Code: models.CodeNetwork, Severity: SeverityMedium, Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "connection refused", "connection reset",
		"no such host", "broken pipe", "unexpected eof", "eof"):
		return Classification{Code: models.CodeNetwork, Severity: SeverityMedium, Retryable: true}
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return Classification{Code: models.CodeRateLimit, Severity: SeverityLow, Retryable: true}
	case containsAny(msg, "internal server error", "bad gateway", "service unavailable", "502", "503", "504"):
		return Classification{Code: models.CodeServerError, Severity: SeverityHigh, Retryable: true}
	case containsAny(msg, "unauthorized", "forbidden", "invalid api key", "401", "403"):
		return Classification{Code: models.CodeAuthError, Severity: SeverityHigh, Retryable: false}
	case containsAny(msg, "bad request", "not found", "invalid", "400", "404"):
		return Classification{Code: models.CodeClientError, Severity: SeverityMedium, Retryable: false}
	}

	return Classification{Code: models.CodeUnknown, Severity: SeverityMedium, Retryable: true}
}

func classifyHTTPStatus(status int) Classification {
	switch {
	case status == 429:
		return Classification{Code: models.CodeRateLimit, Severity: SeverityLow, Retryable: true}
	case status >= 500:
		return Classification{Code: models.CodeServerError, Severity: SeverityHigh, Retryable: true}
	case status == 401 || status == 403:
		return Classification{Code: models.CodeAuthError, Severity: SeverityHigh, Retryable: false}
	case status >= 400:
		return Classification{Code: models.CodeClientError, Severity: SeverityMedium, Retryable: false}
	}
	return Classification{Code: models.CodeUnknown, Severity: SeverityMedium, Retryable: true}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
