package testbed

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/math"
)

func TestBuiltinModelIsValid(t *testing.T) {
	m := builtinModel()
	require.NoError(t, m.Validate())
	assert.True(t, m.Materials[2].AlphaBlend)
}

func TestTestbedOrbitsAndSpins(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Application.Width = 24
	cfg.Application.Height = 16
	cfg.Application.Frames = 2
	cfg.Application.AssetDir = ""
	cfg.Application.Output = filepath.Join(t.TempDir(), "frame.png")

	tg := NewTestGame()
	e, err := engine.New(cfg, core.NewDiscardLogger(), tg.Game)
	require.NoError(t, err)
	defer e.Shutdown()
	require.NoError(t, e.Initialize())

	state := tg.State.(*gameState)
	require.Len(t, state.spinning, 2)
	assert.Equal(t, 4, tg.App.World.Count())

	require.NoError(t, e.Run())
	assert.False(t, state.manual)
	assert.Greater(t, state.orbitAngle, float32(0))

	tr, ok := tg.App.World.Transform(state.spinning[0])
	require.True(t, ok)
	assert.NotEqual(t, math.NewQuatIdentity(), tr.Rotation)
}
