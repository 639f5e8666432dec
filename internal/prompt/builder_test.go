package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"storybook-server/internal/models"
)

func TestBuildPagePromptFirstPageEstablishesDesign(t *testing.T) {
	b := NewBuilder()
	text := b.BuildPagePrompt(1, models.ArtStyleClassicWatercolor, "", "a fox in a red scarf")

	assert.Contains(t, text, "first page")
	assert.Contains(t, text, "establish")
	assert.Contains(t, text, "watercolor")
	assert.Contains(t, text, "a fox in a red scarf")
	assert.NotContains(t, text, "MUST match")
}

func TestBuildPagePromptEmbedsDigestVerbatim(t *testing.T) {
	b := NewBuilder()
	digest := "small orange fox, red scarf, green button eyes, blue boots"
	text := b.BuildPagePrompt(2, models.ArtStyleSoftAnime, digest, "")

	assert.Contains(t, text, digest, "digest must appear verbatim")
	assert.Contains(t, text, "MUST match")
	assert.NotContains(t, text, "first page")
}

func TestBuildPagePromptEmptyDigestFallsBack(t *testing.T) {
	b := NewBuilder()
	text := b.BuildPagePrompt(3, models.ArtStyleStorybookPop, "", "")

	// Страница 1 провалилась: деградация до директивы первой страницы
	assert.Contains(t, text, "establish")
	assert.NotContains(t, text, "MUST match")
}

func TestBuildPagePromptAlwaysPreservesComposition(t *testing.T) {
	b := NewBuilder()
	for page := 1; page <= 3; page++ {
		text := b.BuildPagePrompt(page, models.ArtStylePencilSketch, "digest", "")
		assert.Contains(t, strings.ToLower(text), "composition")
		assert.Contains(t, strings.ToLower(text), "text")
	}
}

func TestStyleDescriptionUnknownStyleDefaults(t *testing.T) {
	assert.Equal(t, styleCatalog[models.DefaultArtStyle], StyleDescription(models.ArtStyle("vaporwave")))
}

func TestEstimateTokens(t *testing.T) {
	b := NewBuilder()
	short := b.EstimateTokens("hello world")
	long := b.EstimateTokens(strings.Repeat("the quick brown fox jumps over the lazy dog ", 20))

	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}

func TestDigestTrackerFreezeOnce(t *testing.T) {
	tr := NewDigestTracker()
	assert.False(t, tr.Frozen())
	assert.Empty(t, tr.Digest())

	tr.Freeze("")
	assert.False(t, tr.Frozen(), "empty digest must not freeze")

	tr.Freeze("first design")
	assert.True(t, tr.Frozen())
	assert.Equal(t, "first design", tr.Digest())

	tr.Freeze("revised design")
	assert.Equal(t, "first design", tr.Digest(), "frozen digest is immutable")
}
