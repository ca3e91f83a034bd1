package assets

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestPostersOrderedByPrefix(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, PosterDir)
	writePNG(t, filepath.Join(dir, "02_ladder.png"), 4, 4)
	writePNG(t, filepath.Join(dir, "01_gas_mask.PNG"), 4, 4)
	writePNG(t, filepath.Join(dir, "10_fire.png"), 4, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "3_bad.png"), []byte("x"), 0o644))

	c := NewCatalog(root)
	posters, err := c.Posters()
	require.NoError(t, err)
	require.Len(t, posters, 3)
	assert.Equal(t, "gas_mask", posters[0].Name)
	assert.Equal(t, "ladder", posters[1].Name)
	assert.Equal(t, 10, posters[2].Index)

	pages, err := c.PosterPages()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 10}, pages)

	imgs, err := c.LoadPosters([]int{10, 1})
	require.NoError(t, err)
	assert.Len(t, imgs, 2)
	_, err = c.LoadPosters([]int{7})
	assert.Error(t, err)
}

func TestMissingDirsAreEmpty(t *testing.T) {
	c := NewCatalog(t.TempDir())
	posters, err := c.Posters()
	require.NoError(t, err)
	assert.Empty(t, posters)
	bps, err := c.Blueprints()
	require.NoError(t, err)
	assert.Empty(t, bps)
}

func TestBlueprintsWithData(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, BlueprintDir, "01_floor1.png"), 8, 8)
	writePNG(t, filepath.Join(root, BlueprintDir, "02_floor2.png"), 8, 8)
	require.NoError(t, os.MkdirAll(filepath.Join(root, BlueprintDataDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, BlueprintDataDir, "01_floor1.json"),
		[]byte(`{"sensors":[{"sid":"A","x":10,"y":20}],"scale":0.5}`), 0o644))

	bps, err := NewCatalog(root).Blueprints()
	require.NoError(t, err)
	require.Len(t, bps, 2)
	require.Len(t, bps[0].Markers, 1)
	assert.Equal(t, "A", bps[0].Markers[0].SID)
	assert.Equal(t, 0.5, bps[0].Extra["scale"])
	assert.Empty(t, bps[1].Markers)
	assert.Empty(t, bps[1].DataPath)
}

func TestSaveCapture(t *testing.T) {
	root := t.TempDir()
	c := NewCatalog(root)
	at := time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)
	path, err := c.SaveCapture("A/1", at, image.NewRGBA(image.Rect(0, 0, 3, 3)))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, CaptureDir, "capture_A_1_20260301_140509.png"), path)

	img, err := DecodeImage(path)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
}
