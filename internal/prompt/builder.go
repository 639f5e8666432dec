package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"storybook-server/internal/models"
)

// AnalysisInstruction - инструкция vision-модели для анализа исходной страницы.
const AnalysisInstruction = "Describe this hand-drawn storybook page: the main character's " +
	"visual traits (face, hair, clothing, colors, proportions), the scene composition, " +
	"and any visible text. Be specific and concise."

// DigestInstruction - инструкция vision-модели для выделения дайджеста персонажа
// со страницы 1 (опциональный шаг обогащения).
const DigestInstruction = "Extract a compact character sheet for the main character of this page: " +
	"face shape, hair color and style, eye color, clothing, distinctive features. " +
	"Answer with the character description only."

// Builder строит инструкцию генерации для одной страницы. Чистая конструкция
// без I/O: все сетевые шаги живут в процессоре.
type Builder struct{}

// NewBuilder создает построитель промптов.
func NewBuilder() *Builder {
	return &Builder{}
}

// BuildPagePrompt собирает итоговую инструкцию: сохранение композиции и текста,
// директива стиля, и блок консистентности персонажа. Страница 1 задаёт дизайн
// персонажа; страницы дальше обязаны дословно следовать замороженному дайджесту.
// Пустой digest на странице >= 2 (страница 1 провалилась) деградирует до
// директивы первой страницы.
func (b *Builder) BuildPagePrompt(pageNumber int, style models.ArtStyle, characterDigest, analysisNotes string) string {
	var sb strings.Builder

	sb.WriteString("Transform this hand-drawn children's storybook page into a professional illustration.\n")
	sb.WriteString("Preserve the original composition exactly: keep every character's position, pose and the scene layout unchanged.\n")
	sb.WriteString("Preserve all visible text exactly as drawn, same position and content.\n")
	fmt.Fprintf(&sb, "Render in the following art style: %s.\n", StyleDescription(style))

	if analysisNotes != "" {
		fmt.Fprintf(&sb, "Scene notes from analysis: %s\n", analysisNotes)
	}

	if pageNumber <= 1 || characterDigest == "" {
		sb.WriteString("This is the first page: establish the definitive character design that later pages will follow.")
	} else {
		fmt.Fprintf(&sb,
			"The main character MUST match the established design exactly, no deviations: %s",
			characterDigest)
	}

	return sb.String()
}

// EstimateTokens оценивает размер промпта в токенах для метрик и аудита.
// Ошибка токенизатора не фатальна: возвращается грубая оценка по длине.
func (b *Builder) EstimateTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// DigestTracker замораживает дайджест персонажа после успеха страницы 1 и
// раздаёт его последующим страницам. Единственная обязанность - захватить и
// передать текст дальше; сам AI он не вызывает.
type DigestTracker struct {
	mu     sync.Mutex
	digest string
	frozen bool
}

// NewDigestTracker создает пустой трекер.
func NewDigestTracker() *DigestTracker {
	return &DigestTracker{}
}

// Freeze фиксирует дайджест после страницы 1. Повторные вызовы игнорируются:
// дизайн персонажа после заморозки не пересматривается.
func (t *DigestTracker) Freeze(digest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen || digest == "" {
		return
	}
	t.digest = digest
	t.frozen = true
}

// Digest возвращает замороженный дайджест (пустая строка до заморозки).
func (t *DigestTracker) Digest() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.digest
}

// Frozen сообщает, зафиксирован ли дайджест.
func (t *DigestTracker) Frozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen
}
