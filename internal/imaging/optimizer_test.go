package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func renderPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalizeSkipsSmallImages(t *testing.T) {
	opt := NewOptimizer(1536, 1<<20, 88, zap.NewNop())
	data := []byte("tiny payload, below the threshold")

	out, err := opt.Normalize(data)
	require.NoError(t, err)
	assert.Equal(t, data, out, "small inputs pass through untouched")
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	opt := NewOptimizer(1536, 0, 88, zap.NewNop())

	_, err := opt.Normalize(bytes.Repeat([]byte{0xde, 0xad}, 64))
	assert.Error(t, err)
}

func TestNormalizeDownscalesLongEdge(t *testing.T) {
	opt := NewOptimizer(100, 0, 88, zap.NewNop())
	src := renderPNG(t, 400, 200)

	out, err := opt.Normalize(src)
	require.NoError(t, err)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, decoded.Bounds().Dx())
	assert.Equal(t, 50, decoded.Bounds().Dy(), "aspect ratio preserved")
}

func TestNormalizeReencodesLargePNGWithinBounds(t *testing.T) {
	opt := NewOptimizer(1536, 0, 88, zap.NewNop())
	src := renderPNG(t, 300, 300)

	out, err := opt.Normalize(src)
	require.NoError(t, err)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format, "png converted to jpeg for the gateway")
	assert.Equal(t, 300, decoded.Bounds().Dx(), "no upscaling or downscaling")
}

func TestNormalizeKeepsCompliantJPEG(t *testing.T) {
	opt := NewOptimizer(1536, 0, 88, zap.NewNop())

	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	src := buf.Bytes()

	out, err := opt.Normalize(src)
	require.NoError(t, err)
	assert.Equal(t, src, out, "jpeg within bounds passes through")
}
