package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storybook-server/internal/models"
)

// Gateway - порт внешних AI-сервисов: vision-анализ, генерация и правка
// изображений. Все методы - удалённые вызовы с таксономией сбоев
// internal/retry; ретраи и breaker живут снаружи реализации.
type Gateway interface {
	// AnalyzeImage отправляет изображение vision-модели и возвращает текст ответа.
	AnalyzeImage(ctx context.Context, imageData []byte, instruction string) (string, error)
	// GenerateImage генерирует изображение только по текстовому промпту.
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
	// TransformImage перерисовывает исходное изображение по промпту.
	TransformImage(ctx context.Context, imageData []byte, prompt string) ([]byte, error)
}

// Config - настройки OpenAI-совместимого шлюза.
type Config struct {
	APIKey        string
	BaseURL       string
	VisionModel   string
	ImageModel    string
	Timeout       time.Duration
	RatePerMinute int
}

type openAIGateway struct {
	client      *openai.Client
	visionModel string
	imageModel  string
	breaker     *CircuitBreaker
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewOpenAIGateway создает шлюз поверх go-openai клиента. breaker разделяется
// процессом и оборачивает каждый исходящий вызов; limiter сглаживает темп
// запросов под квоту апстрима.
func NewOpenAIGateway(cfg Config, breaker *CircuitBreaker, logger *zap.Logger) Gateway {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 20
	}

	return &openAIGateway{
		client:      openai.NewClientWithConfig(clientCfg),
		visionModel: cfg.VisionModel,
		imageModel:  cfg.ImageModel,
		breaker:     breaker,
		limiter:     rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 2),
		logger:      logger.Named("ai_gateway"),
	}
}

// call - общая обвязка одного исходящего вызова: rate limiter, breaker, метрики.
func (g *openAIGateway) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait aborted: %w", err)
	}

	start := time.Now()
	err := g.breaker.Execute(ctx, fn)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, models.ErrCircuitOpen) {
			circuitBreakerRejections.Inc()
			gatewayRequestsTotal.WithLabelValues(operation, "rejected").Inc()
			return err
		}
		gatewayRequestsTotal.WithLabelValues(operation, "error").Inc()
		gatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
		g.logger.Warn("AI gateway call failed",
			zap.String("operation", operation), zap.Duration("duration", duration), zap.Error(err))
		return err
	}

	gatewayRequestsTotal.WithLabelValues(operation, "success").Inc()
	gatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	g.logger.Debug("AI gateway call completed",
		zap.String("operation", operation), zap.Duration("duration", duration))
	return nil
}

func (g *openAIGateway) AnalyzeImage(ctx context.Context, imageData []byte, instruction string) (string, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageData)

	var answer string
	err := g.call(ctx, "analyze_image", func(ctx context.Context) error {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: g.visionModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{Type: openai.ChatMessagePartTypeText, Text: instruction},
						{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    dataURL,
								Detail: openai.ImageURLDetailHigh,
							},
						},
					},
				},
			},
			MaxTokens: 1024,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return fmt.Errorf("vision model returned empty response")
		}
		answer = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (g *openAIGateway) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	var imageData []byte
	err := g.call(ctx, "generate_image", func(ctx context.Context) error {
		resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:         prompt,
			Model:          g.imageModel,
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
			return fmt.Errorf("image model returned empty response")
		}
		decoded, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return fmt.Errorf("failed to decode generated image: %w", err)
		}
		imageData = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return imageData, nil
}

func (g *openAIGateway) TransformImage(ctx context.Context, imageData []byte, prompt string) ([]byte, error) {
	// API правки изображений принимает только *os.File
	tmp, err := os.CreateTemp("", "page_source_*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp image file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write temp image file: %w", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("failed to rewind temp image file: %w", err)
	}

	var result []byte
	err = g.call(ctx, "transform_image", func(ctx context.Context) error {
		resp, err := g.client.CreateEditImage(ctx, openai.ImageEditRequest{
			Image:          tmp,
			Prompt:         prompt,
			Model:          g.imageModel,
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
			return fmt.Errorf("image edit returned empty response")
		}
		decoded, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return fmt.Errorf("failed to decode edited image: %w", err)
		}
		result = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
