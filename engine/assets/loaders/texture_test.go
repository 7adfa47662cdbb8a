package loaders

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/jobs"
)

func writePNG(t *testing.T, path string, w, h int, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestFit(t *testing.T) {
	cases := []struct {
		w, h, limit, ew, eh uint32
	}{
		{64, 32, 0, 64, 32},
		{64, 32, 64, 64, 32},
		{256, 64, 128, 128, 32},
		{64, 256, 128, 32, 128},
		{4096, 1, 1024, 1024, 1},
	}
	for _, c := range cases {
		w, h := fit(c.w, c.h, c.limit)
		assert.Equal(t, [2]uint32{c.ew, c.eh}, [2]uint32{w, h}, "%dx%d limit %d", c.w, c.h, c.limit)
	}
}

func TestTextureLoaderScalesDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wall.png")
	writePNG(t, path, 64, 16, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	tex, err := (&TextureLoader{MaxSize: 32}).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "wall", tex.Name)
	assert.Equal(t, uint32(32), tex.Width)
	assert.Equal(t, uint32(8), tex.Height)
	require.Len(t, tex.Pixels, 32*8*4)
	assert.InDelta(t, 200, int(tex.Pixels[0]), 1)
	assert.Equal(t, byte(255), tex.Pixels[3])
}

func TestTextureLoaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
	_, err := (&TextureLoader{}).LoadFile(path)
	assert.Error(t, err)
}

func TestSceneTexturesDecodeOnJobs(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 8, 8, color.NRGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(dir, "b.png"), 4, 4, color.NRGBA{G: 255, A: 255})

	js, err := jobs.New(core.NewDiscardLogger(), 2, 0)
	require.NoError(t, err)
	defer js.Shutdown()

	sl := &SceneLoader{Textures: &TextureLoader{}, Jobs: js}
	m, err := sl.Parse([]byte(`
[[textures]]
name = "red"
path = "a.png"

[[textures]]
name = "green"
path = "b.png"

[[textures]]
name = "grey"
color = [128, 128, 128, 255]
`), ".toml", dir)
	require.NoError(t, err)
	require.Len(t, m.Textures, 3)
	assert.Equal(t, "red", m.Textures[0].Name)
	assert.Equal(t, uint32(8), m.Textures[0].Width)
	assert.Equal(t, "green", m.Textures[1].Name)
	assert.Equal(t, byte(255), m.Textures[1].Pixels[1])
	assert.Equal(t, "grey", m.Textures[2].Name)

	_, err = sl.Parse([]byte(`
[[textures]]
name = "missing"
path = "nope.png"
`), ".toml", dir)
	assert.Error(t, err)
}
