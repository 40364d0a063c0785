package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSniff(t *testing.T) {
	white := image.NewRGBA(image.Rect(0, 0, 4, 4))
	ct, err := Sniff(encodePNG(t, white))
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	_, err = Sniff([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCompressFlattensTransparency(t *testing.T) {
	transparent := image.NewNRGBA(image.Rect(0, 0, 50, 50))
	out, err := Compress(encodePNG(t, transparent), 500)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	r, g, b, _ := img.At(25, 25).RGBA()
	// transparent pixels land on white
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestCompressShrinksLargeImages(t *testing.T) {
	noisy := image.NewRGBA(image.Rect(0, 0, 2000, 1000))
	rng := rand.New(rand.NewSource(1))
	for y := 0; y < 1000; y++ {
		for x := 0; x < 2000; x++ {
			noisy.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	out, err := Compress(encodePNG(t, noisy), 100)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 1024)
	assert.InDelta(t, 2.0, float64(cfg.Width)/float64(cfg.Height), 0.01)
}

func TestCompressRejectsGarbage(t *testing.T) {
	_, err := Compress([]byte("GIF89a-but-truncated"), 500)
	assert.Error(t, err)
}
