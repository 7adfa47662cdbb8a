package loaders

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/scene"
)

const yamlScene = `
name: yard
textures:
  - name: white
    color: [255, 255, 255, 255]
materials:
  - name: leaves
    base_color: [0.3, 0.8, 0.2, 1.0]
    texture: white
    alpha_blend: true
meshes:
  - name: bush
    primitive: quad
    size: 2
    material: leaves
instances:
  - mesh: bush
    position: [1, 0, -3]
  - mesh: bush
    position: [-1, 0, -3]
    rotation: [0, 90, 0]
`

func TestParseYaml(t *testing.T) {
	sl := &SceneLoader{}
	m, err := sl.Parse([]byte(yamlScene), ".yml", "")
	require.NoError(t, err)

	require.Len(t, m.Textures, 1)
	assert.Equal(t, []byte{255, 255, 255, 255}, m.Textures[0].Pixels)
	require.Len(t, m.Materials, 1)
	assert.True(t, m.Materials[0].AlphaBlend)
	assert.InDelta(t, 0.8, m.Materials[0].BaseColor.Y, 1e-6)

	require.Len(t, m.Meshes, 1)
	assert.Len(t, m.Meshes[0].Positions, 4)
	require.Len(t, m.Instances, 2)
	assert.Equal(t, float32(1), m.Instances[0].Transform.Data[12])
	// 90 degrees about y sends +x to -z
	assert.InDelta(t, -1, m.Instances[1].Transform.Data[2], 1e-6)
}

func TestParseRejectsBrokenScenes(t *testing.T) {
	sl := &SceneLoader{}
	cases := map[string]string{
		"unknown material": `
[[meshes]]
name = "a"
primitive = "quad"
material = "missing"
`,
		"unknown primitive": `
[[materials]]
name = "m"
[[meshes]]
name = "a"
primitive = "torus"
material = "m"
`,
		"unknown mesh": `
[[instances]]
mesh = "ghost"
`,
		"unknown field": `
colour = "red"
`,
		"texture without source": `
[[textures]]
name = "t"
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := sl.Parse([]byte(doc), ".toml", "")
			assert.Error(t, err)
		})
	}

	_, err := sl.Parse([]byte("{}"), ".json", "")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseDefaultsMeshSize(t *testing.T) {
	sl := &SceneLoader{}
	m, err := sl.Parse([]byte(`
[[materials]]
name = "m"
[[meshes]]
name = "q"
primitive = "quad"
material = "m"
`), ".toml", "")
	require.NoError(t, err)
	assert.Equal(t, scene.NewQuad(1, 0).Positions, m.Meshes[0].Positions)
	assert.Equal(t, scene.NoTexture, m.Materials[0].TextureIndex)
}

func TestFitKeepsAspect(t *testing.T) {
	w, h := fit(4096, 1024, 2048)
	assert.Equal(t, [2]uint32{2048, 512}, [2]uint32{w, h})
	w, h = fit(10, 3000, 1000)
	assert.Equal(t, [2]uint32{3, 1000}, [2]uint32{w, h})
	w, h = fit(640, 480, 0)
	assert.Equal(t, [2]uint32{640, 480}, [2]uint32{w, h})
}

func TestSampleScenesLoad(t *testing.T) {
	sl := &SceneLoader{Textures: &TextureLoader{MaxSize: 256}}
	for _, name := range []string{"courtyard.toml", "pillars.yaml"} {
		m, err := sl.LoadFile(filepath.Join("..", "..", "..", "assets", "scenes", name))
		require.NoError(t, err, name)
		assert.NotEmpty(t, m.Instances, name)
	}
}
