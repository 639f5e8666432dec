package prompt

import "storybook-server/internal/models"

// styleCatalog - описательные тексты художественных стилей, подставляемые
// в промпт генерации.
var styleCatalog = map[models.ArtStyle]string{
	models.ArtStyleClassicWatercolor: "classic children's book watercolor: soft translucent washes, " +
		"gentle color gradients, visible paper texture, warm storybook palette",
	models.ArtStyleSoftAnime: "soft anime illustration: clean line art, large expressive eyes, " +
		"pastel cel shading, airy backgrounds",
	models.ArtStyleStorybookPop: "bold storybook pop art: saturated flat colors, thick friendly outlines, " +
		"playful geometric shapes, high contrast",
	models.ArtStylePencilSketch: "refined pencil sketch: delicate graphite strokes, soft cross-hatched shading, " +
		"subtle monochrome tones with a hand-drawn feel",
}

// StyleDescription возвращает описание стиля для промпта.
func StyleDescription(style models.ArtStyle) string {
	if desc, ok := styleCatalog[style]; ok {
		return desc
	}
	return styleCatalog[models.DefaultArtStyle]
}
