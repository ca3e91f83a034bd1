package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/detect"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func zeroHash(n int) string {
	sum := sha256.Sum256(make([]byte, n))
	return hex.EncodeToString(sum[:])
}

func TestComposeZeroImageHash(t *testing.T) {
	b := Bundle{Posters: []image.Image{solid(100, 100, color.Black)}, CreatedAt: t0}
	comp, err := Compose(b, ComposeOptions{Width: 100})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 100, 100), comp.Image.Bounds())
	assert.Equal(t, zeroHash(100*100*3), comp.ImageHash)
	assert.Equal(t, comp.ImageHash, comp.StampHash)
}

func TestComposeLayout(t *testing.T) {
	yes := "white"
	b := Bundle{
		Face:      solid(200, 100, color.RGBA{R: 200, A: 255}),
		Posters:   []image.Image{solid(400, 200, color.RGBA{G: 200, A: 255})},
		Signature: solid(800, 200, color.White),
		PPE:       detect.PPEStatus{detect.Helmet: {Worn: true, Color: &yes}},
		CreatedAt: t0,
	}
	comp, err := Compose(b, DefaultComposeOptions())
	require.NoError(t, err)

	panel := ppePanelHeight()
	// face 200x100 -> 800x400, poster 400x200 -> 800x400, signature 800x200
	assert.Equal(t, 800, comp.Image.Bounds().Dx())
	assert.Equal(t, panel+400+400+200+footerHeight, comp.Image.Bounds().Dy())
	assert.NotEqual(t, comp.StampHash, comp.ImageHash)

	faceMid := comp.Image.RGBAAt(400, panel+200)
	assert.Greater(t, faceMid.R, uint8(150))
	posterMid := comp.Image.RGBAAt(400, panel+600)
	assert.Greater(t, posterMid.G, uint8(150))

	jpg, err := comp.EncodeJPEG(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, jpg[:2])
}

func TestComposeNothing(t *testing.T) {
	_, err := Compose(Bundle{}, DefaultComposeOptions())
	assert.Error(t, err)
}

func TestRGBBytesGenericPath(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 2, 1))
	gray.Pix[0], gray.Pix[1] = 10, 20
	assert.Equal(t, []byte{10, 10, 10, 20, 20, 20}, RGBBytes(gray))

	rgba := solid(4, 4, color.RGBA{1, 2, 3, 255})
	sub := rgba.SubImage(image.Rect(1, 1, 2, 3))
	assert.Equal(t, []byte{1, 2, 3, 1, 2, 3}, RGBBytes(sub))
}
