package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Optimizer нормализует исходные изображения перед отправкой в AI-шлюз:
// ограничивает длинную сторону и переводит в JPEG. Мелкие файлы проходят
// без перекодирования.
type Optimizer struct {
	maxEdge       int
	skipBelowSize int
	jpegQuality   int
	logger        *zap.Logger
}

// NewOptimizer создает оптимизатор с заданными границами.
func NewOptimizer(maxEdge, skipBelowSize, jpegQuality int, logger *zap.Logger) *Optimizer {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 88
	}
	return &Optimizer{
		maxEdge:       maxEdge,
		skipBelowSize: skipBelowSize,
		jpegQuality:   jpegQuality,
		logger:        logger.Named("optimizer"),
	}
}

// Normalize возвращает изображение, пригодное для AI-шлюза. Нечитаемые данные -
// ошибка валидации вызывающему; апскейла никогда не происходит.
func (o *Optimizer) Normalize(data []byte) ([]byte, error) {
	if len(data) < o.skipBelowSize {
		return data, nil
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode source image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	longEdge := width
	if height > longEdge {
		longEdge = height
	}

	if longEdge <= o.maxEdge {
		// Размер в норме, но крупные PNG всё равно перекодируем в JPEG
		if format == "jpeg" {
			return data, nil
		}
		return o.encodeJPEG(src)
	}

	scale := float64(o.maxEdge) / float64(longEdge)
	dstW := int(float64(width) * scale)
	dstH := int(float64(height) * scale)
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	out, err := o.encodeJPEG(dst)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("Source image downscaled",
		zap.Int("src_width", width), zap.Int("src_height", height),
		zap.Int("dst_width", dstW), zap.Int("dst_height", dstH),
		zap.Int("src_bytes", len(data)), zap.Int("dst_bytes", len(out)))
	return out, nil
}

func (o *Optimizer) encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: o.jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
