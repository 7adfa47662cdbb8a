package renderer

import (
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/components"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
	"github.com/spaghettifunk/raylight/engine/renderer/soft"
	"github.com/spaghettifunk/raylight/engine/scene"
)

type flatDevice struct {
	*soft.Device
}

func (flatDevice) Features() rhi.Features { return rhi.Features{} }

func init() {
	rhi.Register("flat", func(opts rhi.Options) (rhi.Device, error) {
		return flatDevice{soft.New(opts)}, nil
	})
	rhi.Register("broken", func(opts rhi.Options) (rhi.Device, error) {
		return nil, errors.New("no driver")
	})
}

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Application.Width = 16
	cfg.Application.Height = 8
	cfg.Renderer.Backend = soft.BackendName
	cfg.Renderer.StagingSize = 1 << 20
	cfg.Renderer.SampledImages = 8
	cfg.Renderer.StorageImages = 2
	cfg.Renderer.Samplers = 2
	cfg.Renderer.MaxMeshes = 8
	cfg.Renderer.MaxMaterials = 8
	cfg.Renderer.MaxInstances = 8
	return cfg
}

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := New(core.NewDiscardLogger(), testConfig())
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func wall() *scene.Model {
	return &scene.Model{
		Name:      "wall",
		Meshes:    []scene.Mesh{scene.NewQuad(20, 0)},
		Materials: []scene.Material{{Name: "red", BaseColor: math.NewVec4(1, 0, 0, 1), TextureIndex: scene.NoTexture}},
		Instances: []scene.Instance{{Mesh: 0, Transform: math.NewMat4Translation(math.NewVec3(0, 0, -3))}},
	}
}

func TestOpenDeviceFallsBackToSoft(t *testing.T) {
	log := core.NewDiscardLogger()
	for _, name := range []string{"flat", "broken"} {
		cfg := testConfig()
		cfg.Renderer.Backend = name
		dev, err := OpenDevice(log, cfg)
		require.NoError(t, err, name)
		assert.Equal(t, soft.BackendName, dev.Backend())
		assert.True(t, dev.Features().RayTracing)
		dev.Destroy()
	}

	cfg := testConfig()
	cfg.Renderer.Backend = "missing"
	_, err := OpenDevice(log, cfg)
	assert.ErrorIs(t, err, rhi.ErrUnknownBackend)
}

func TestDrawFrameAndSnapshot(t *testing.T) {
	r := newRenderer(t)
	_, err := r.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)

	first, err := r.AddModel(wall())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first)

	cam := components.NewCamera(60)
	require.NoError(t, r.DrawFrame(&RenderPacket{Camera: cam}))
	assert.Equal(t, uint64(1), r.Frames())

	img, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	c := img.NRGBAAt(8, 4)
	assert.Greater(t, c.R, uint8(50))
	assert.Zero(t, c.G)
	assert.Zero(t, c.B)

	path := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, r.WriteSnapshot(context.Background(), path))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestInstancesFollowPacket(t *testing.T) {
	r := newRenderer(t)
	_, err := r.AddModel(wall())
	require.NoError(t, err)
	require.NoError(t, r.DrawFrame(&RenderPacket{}))

	world := scene.NewWorld()
	tr := math.NewTransformFrom(math.NewVec3(0, 0, -3), math.NewQuatIdentity(), math.NewVec3One())
	world.Spawn("wall", 0, tr)
	tr.SetPosition(math.NewVec3(100, 0, -3))

	require.NoError(t, r.DrawFrame(&RenderPacket{Instances: world.Instances()}))
	img, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	// the wall moved out of view, only sky is left
	assert.Equal(t, uint8(255), img.NRGBAAt(8, 4).B)
}

func TestResizeRecreatesTarget(t *testing.T) {
	r := newRenderer(t)
	require.NoError(t, r.DrawFrame(&RenderPacket{}))
	require.NoError(t, r.OnResize(4, 2))
	_, err := r.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, r.DrawFrame(&RenderPacket{}))
	img, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Error(t, r.OnResize(0, 2))
}

func TestResetSceneDropsModels(t *testing.T) {
	r := newRenderer(t)
	_, err := r.AddModel(wall())
	require.NoError(t, err)
	require.NoError(t, r.DrawFrame(&RenderPacket{}))

	require.NoError(t, r.ResetScene())
	first, err := r.AddModel(wall())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first, "instance ids restart")
	require.NoError(t, r.DrawFrame(&RenderPacket{}))

	stats := r.HeapStats()
	assert.Equal(t, 1, stats[rhi.DescriptorStorageImage].InUse)
}

func TestFailedResetSceneReportsNotReady(t *testing.T) {
	r := newRenderer(t)
	_, err := r.AddModel(wall())
	require.NoError(t, err)

	r.config.Renderer.MaxMeshes = 0
	assert.Error(t, r.ResetScene())
	assert.ErrorIs(t, r.DrawFrame(&RenderPacket{}), ErrNotReady)
	_, err = r.AddModel(wall())
	assert.ErrorIs(t, err, ErrNotReady)

	r.config.Renderer.MaxMeshes = 8
	require.NoError(t, r.ResetScene())
	_, err = r.AddModel(wall())
	require.NoError(t, err)
	require.NoError(t, r.DrawFrame(&RenderPacket{}))
}
