package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/math"
)

func quadModel() *Model {
	return &Model{
		Name:      "quad",
		Meshes:    []Mesh{NewQuad(1, 0)},
		Materials: []Material{{Name: "white", BaseColor: math.NewVec4One(), TextureIndex: NoTexture}},
		Instances: []Instance{{Mesh: 0, Transform: math.NewMat4Identity()}},
	}
}

func TestValidateAcceptsPrimitives(t *testing.T) {
	m := quadModel()
	m.Meshes = append(m.Meshes, NewCube(2, 0))
	m.Textures = []Texture{NewCheckerTexture("checker", 8, 2, [4]byte{255, 255, 255, 255}, [4]byte{0, 0, 0, 255})}
	m.Materials = append(m.Materials, Material{TextureIndex: 0})
	require.NoError(t, m.Validate())

	cube := m.Meshes[1]
	assert.Len(t, cube.Positions, 24)
	assert.Len(t, cube.Indices, 36)
	b := cube.Bounds()
	assert.Equal(t, math.NewVec3(-1, -1, -1), b.Min)
	assert.Equal(t, math.NewVec3(1, 1, 1), b.Max)
}

func TestValidateRejectsBrokenReferences(t *testing.T) {
	cases := map[string]func(*Model){
		"texture index":   func(m *Model) { m.Materials[0].TextureIndex = 2 },
		"mesh index":      func(m *Model) { m.Instances[0].Mesh = 4 },
		"vertex index":    func(m *Model) { m.Meshes[0].Indices[5] = 9 },
		"material":        func(m *Model) { m.Meshes[0].Material = 1 },
		"triangle list":   func(m *Model) { m.Meshes[0].Indices = m.Meshes[0].Indices[:4] },
		"attributes":      func(m *Model) { m.Meshes[0].Attributes = nil },
		"projective":      func(m *Model) { m.Instances[0].Transform = math.NewMat4Perspective(1, 1, 0.1, 10) },
		"texture payload": func(m *Model) { m.Textures = []Texture{{Width: 2, Height: 2, Pixels: make([]byte, 3)}} },
		"texture size":    func(m *Model) { m.Textures = []Texture{{Width: 1 << 16, Height: 1 << 14}} },
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			m := quadModel()
			breakIt(m)
			assert.ErrorIs(t, m.Validate(), ErrInvalidModel)
		})
	}
}

func TestMeshFromTrianglesNormals(t *testing.T) {
	mesh := NewMeshFromTriangles("tri",
		[]math.Vec3{math.NewVec3(0, 0, 0), math.NewVec3(1, 0, 0), math.NewVec3(0, 1, 0)},
		[]uint32{0, 1, 2}, nil, 0)
	for _, a := range mesh.Attributes {
		assert.InDelta(t, 1, a.Normal.Z, 1e-6)
	}
}

func TestWorldInstancesFollowTransforms(t *testing.T) {
	w := NewWorld()
	a := w.Spawn("a", 0, nil)
	w.Spawn("b", 1, math.NewTransformFrom(math.NewVec3(1, 2, 3), math.NewQuatIdentity(), math.NewVec3One()))
	c := w.Spawn("c", 2, nil)
	require.NoError(t, w.Despawn(c))

	tr, ok := w.Transform(a)
	require.True(t, ok)
	tr.SetPosition(math.NewVec3(5, 0, 0))

	got := map[uint32]math.Vec3{}
	for inst, m := range w.Instances() {
		got[inst] = math.NewVec3(m.Data[12], m.Data[13], m.Data[14])
	}
	assert.Equal(t, map[uint32]math.Vec3{0: math.NewVec3(5, 0, 0), 1: math.NewVec3(1, 2, 3)}, got)

	_, ok = w.Transform(c)
	assert.False(t, ok)
	assert.Equal(t, 2, w.Count())
}

func TestWorldPlacedInstancesComposeWithTransform(t *testing.T) {
	w := NewWorld()
	id := w.SpawnPlaced("placed", 3, math.NewMat4Translation(math.NewVec3(0, 0, -2)), nil)
	tr, ok := w.Transform(id)
	require.True(t, ok)
	tr.SetPosition(math.NewVec3(1, 0, 0))

	for inst, m := range w.Instances() {
		assert.Equal(t, uint32(3), inst)
		assert.Equal(t, math.NewVec3(1, 0, -2), math.NewVec3(m.Data[12], m.Data[13], m.Data[14]))
	}
}
