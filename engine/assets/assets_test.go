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

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/scene"
)

const testScene = `
name = "room"

[[textures]]
name = "floor"
checker = { size = 8, cell = 2, a = [255, 255, 255, 255], b = [0, 0, 0, 255] }

[[textures]]
name = "logo"
path = "logo.png"

[[materials]]
name = "floor"
base_color = [1.0, 1.0, 1.0, 1.0]
texture = "floor"

[[materials]]
name = "glass"
base_color = [0.2, 0.4, 1.0, 0.5]
alpha_blend = true

[[meshes]]
name = "floor"
primitive = "quad"
size = 10
material = "floor"

[[meshes]]
name = "box"
primitive = "cube"
material = "glass"

[[instances]]
mesh = "floor"
position = [0.0, -1.0, 0.0]
rotation = [-90.0, 0.0, 0.0]

[[instances]]
mesh = "box"
position = [0.0, 0.0, -4.0]
scale = [2.0, 2.0, 2.0]
`

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func newManager(t *testing.T, queue *core.MessageQueue, maxTextureSize uint32) *Manager {
	t.Helper()
	am, err := NewManager(core.NewDiscardLogger(), queue, maxTextureSize)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, am.Close()) })
	return am
}

func TestWatchIndexesKnownFiles(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "logo.png"), 4, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "room.toml"), []byte(testScene), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "shaders"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shaders", "raygen.rgen"), []byte("#version 460"), 0o644))

	am := newManager(t, nil, 0)
	require.NoError(t, am.Watch(dir))

	var kinds []Kind
	for _, info := range am.Assets() {
		kinds = append(kinds, info.Kind)
	}
	assert.Equal(t, []Kind{KindTexture, KindScene, KindShader}, kinds)

	_, err := am.Load(filepath.Join(dir, "notes.txt"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = am.Load(filepath.Join(dir, "shaders", "raygen.rgen"))
	assert.ErrorIs(t, err, ErrNoLoader)
}

func TestLoadTextureDownscales(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wide.png")
	writePNG(t, path, 64, 16)

	am := newManager(t, nil, 32)
	require.NoError(t, am.Watch(dir))

	tex, err := am.LoadTexture(path)
	require.NoError(t, err)
	assert.Equal(t, "wide", tex.Name)
	assert.Equal(t, uint32(32), tex.Width)
	assert.Equal(t, uint32(8), tex.Height)
	require.Len(t, tex.Pixels, 32*8*4)
	assert.InDelta(t, 200, int(tex.Pixels[0]), 2)
	assert.Equal(t, byte(255), tex.Pixels[3])
}

func TestLoadSceneFromToml(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "logo.png"), 2, 2)
	path := filepath.Join(dir, "room.toml")
	require.NoError(t, os.WriteFile(path, []byte(testScene), 0o644))

	am := newManager(t, nil, 0)
	require.NoError(t, am.Watch(dir))

	m, err := am.LoadScene(path)
	require.NoError(t, err)
	assert.Equal(t, "room", m.Name)
	require.Len(t, m.Textures, 2)
	assert.Equal(t, uint32(8), m.Textures[0].Width)
	assert.Equal(t, "logo", m.Textures[1].Name)

	require.Len(t, m.Materials, 2)
	assert.Equal(t, 0, m.Materials[0].TextureIndex)
	assert.Equal(t, scene.NoTexture, m.Materials[1].TextureIndex)
	assert.True(t, m.Materials[1].AlphaBlend)

	require.Len(t, m.Meshes, 2)
	assert.Equal(t, "box", m.Meshes[1].Name)
	assert.Equal(t, 1, m.Meshes[1].Material)

	require.Len(t, m.Instances, 2)
	assert.Equal(t, float32(-1), m.Instances[0].Transform.Data[13])
	// default scale is one, the box doubles it
	assert.InDelta(t, 1, m.Instances[0].Transform.Data[0], 1e-6)
	assert.InDelta(t, 2, m.Instances[1].Transform.Data[0], 1e-6)
	assert.Equal(t, float32(-4), m.Instances[1].Transform.Data[14])
}

func TestSceneChangesArePosted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "room.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: empty\n"), 0o644))

	queue := core.NewMessageQueue(4)
	am := newManager(t, queue, 0)
	require.NoError(t, am.Watch(dir))
	assert.Equal(t, 0, queue.Len(), "the initial walk only indexes")

	require.NoError(t, os.WriteFile(path, []byte("name: changed\n"), 0o644))

	require.Eventually(t, func() bool { return queue.Len() > 0 }, 5*time.Second, 10*time.Millisecond)
	var got core.Message
	queue.Drain(func(m core.Message) { got = m })
	assert.Equal(t, core.MESSAGE_CODE_ASSET_CHANGED, got.Code)
	assert.Equal(t, path, got.Data.Path)
	assert.Equal(t, uint32(KindScene), got.Data.U32[0])

	m, err := am.LoadScene(path)
	require.NoError(t, err)
	assert.Equal(t, "changed", m.Name)
}

func TestClosedManagerRejectsWatch(t *testing.T) {
	am, err := NewManager(core.NewDiscardLogger(), nil, 0)
	require.NoError(t, err)
	require.NoError(t, am.Close())
	require.NoError(t, am.Close())
	assert.ErrorIs(t, am.Watch(t.TempDir()), ErrClosed)
}
