package processor

import (
	"context"

	"go.uber.org/zap"

	"storybook-server/internal/gateway"
	"storybook-server/internal/models"
	"storybook-server/internal/prompt"
	"storybook-server/internal/retry"
)

// StrategyRequest - вход стратегии: подготовленное изображение страницы и
// замороженный дайджест персонажа (пустой для страницы 1).
type StrategyRequest struct {
	Story      *models.Story
	PageNumber int
	ImageData  []byte
	Digest     string
}

// StrategyResult - результат стратегии: байты сгенерированного изображения,
// использованный промпт и кандидат дайджеста (заполняется для страницы 1).
type StrategyResult struct {
	ImageData       []byte
	PromptText      string
	DigestCandidate string
}

// PageStrategy - способ превращения исходной страницы в иллюстрацию.
// Обе реализации держат консистентность персонажа через дайджест, но
// по-разному используют AI-шлюз.
type PageStrategy interface {
	Name() string
	Transform(ctx context.Context, req StrategyRequest) (*StrategyResult, error)
}

// editStrategy - основной путь: vision-анализ исходника, затем правка
// изображения по промпту. Пиксели исходника доходят до модели генерации.
type editStrategy struct {
	gw                 gateway.Gateway
	builder            *prompt.Builder
	exec               *retry.Executor
	digestFromAnalysis bool
	logger             *zap.Logger
}

// NewEditStrategy создает стратегию правки изображения.
func NewEditStrategy(gw gateway.Gateway, builder *prompt.Builder, exec *retry.Executor, digestFromAnalysis bool, logger *zap.Logger) PageStrategy {
	return &editStrategy{
		gw:                 gw,
		builder:            builder,
		exec:               exec,
		digestFromAnalysis: digestFromAnalysis,
		logger:             logger.Named("edit_strategy"),
	}
}

func (s *editStrategy) Name() string { return "edit" }

func (s *editStrategy) Transform(ctx context.Context, req StrategyRequest) (*StrategyResult, error) {
	errCtx := models.ErrorContext{
		StoryID:    req.Story.ID,
		UserID:     req.Story.UserID,
		PageNumber: req.PageNumber,
	}

	var analysis string
	errCtx.Operation = "analyze_image"
	err := s.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		var aerr error
		analysis, aerr = s.gw.AnalyzeImage(ctx, req.ImageData, prompt.AnalysisInstruction)
		return aerr
	})
	if err != nil {
		return nil, err
	}

	promptText := s.builder.BuildPagePrompt(req.PageNumber, req.Story.ArtStyle, req.Digest, analysis)
	tokens := s.builder.EstimateTokens(promptText)
	promptTokens.WithLabelValues(s.Name()).Observe(float64(tokens))
	s.logger.Debug("Page prompt built",
		zap.String("story_id", req.Story.ID.String()),
		zap.Int("page_number", req.PageNumber),
		zap.Int("prompt_tokens", tokens))

	var generated []byte
	errCtx.Operation = "transform_image"
	err = s.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		var terr error
		generated, terr = s.gw.TransformImage(ctx, req.ImageData, promptText)
		return terr
	})
	if err != nil {
		return nil, err
	}

	result := &StrategyResult{ImageData: generated, PromptText: promptText}
	if req.PageNumber == 1 {
		result.DigestCandidate = s.deriveDigest(ctx, req, analysis, errCtx)
	}
	return result, nil
}

// deriveDigest получает дайджест персонажа для страницы 1: отдельным
// vision-запросом, либо из уже имеющегося анализа. Провал шага обогащения
// не фатален - страницы дальше просто деградируют до общего анализа.
func (s *editStrategy) deriveDigest(ctx context.Context, req StrategyRequest, analysis string, errCtx models.ErrorContext) string {
	if !s.digestFromAnalysis {
		return analysis
	}
	var digest string
	errCtx.Operation = "derive_character_digest"
	err := s.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		var derr error
		digest, derr = s.gw.AnalyzeImage(ctx, req.ImageData, prompt.DigestInstruction)
		return derr
	})
	if err != nil {
		s.logger.Warn("Character digest derivation failed, falling back to analysis text",
			zap.String("story_id", req.Story.ID.String()), zap.Error(err))
		return analysis
	}
	return digest
}

// generateStrategy - альтернативный путь "только генерация": сцена описывается
// vision-моделью, изображение генерируется по одному лишь промпту.
type generateStrategy struct {
	gw      gateway.Gateway
	builder *prompt.Builder
	exec    *retry.Executor
	logger  *zap.Logger
}

// NewGenerateStrategy создает стратегию генерации по промпту.
func NewGenerateStrategy(gw gateway.Gateway, builder *prompt.Builder, exec *retry.Executor, logger *zap.Logger) PageStrategy {
	return &generateStrategy{
		gw:      gw,
		builder: builder,
		exec:    exec,
		logger:  logger.Named("generate_strategy"),
	}
}

func (s *generateStrategy) Name() string { return "generate" }

func (s *generateStrategy) Transform(ctx context.Context, req StrategyRequest) (*StrategyResult, error) {
	errCtx := models.ErrorContext{
		StoryID:    req.Story.ID,
		UserID:     req.Story.UserID,
		PageNumber: req.PageNumber,
	}

	// Генерация не видит пиксели исходника, поэтому анализ обязан быть подробным
	var analysis string
	errCtx.Operation = "analyze_image"
	err := s.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		var aerr error
		analysis, aerr = s.gw.AnalyzeImage(ctx, req.ImageData, prompt.AnalysisInstruction)
		return aerr
	})
	if err != nil {
		return nil, err
	}

	promptText := s.builder.BuildPagePrompt(req.PageNumber, req.Story.ArtStyle, req.Digest, analysis)
	promptTokens.WithLabelValues(s.Name()).Observe(float64(s.builder.EstimateTokens(promptText)))

	var generated []byte
	errCtx.Operation = "generate_image"
	err = s.exec.Do(ctx, errCtx, func(ctx context.Context) error {
		var gerr error
		generated, gerr = s.gw.GenerateImage(ctx, promptText)
		return gerr
	})
	if err != nil {
		return nil, err
	}

	result := &StrategyResult{ImageData: generated, PromptText: promptText}
	if req.PageNumber == 1 {
		result.DigestCandidate = analysis
	}
	return result, nil
}
