// Package scene holds the CPU side description of what gets rendered:
// models handed to the renderer and the world of placed instances.
package scene

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/raylight/engine/math"
)

var ErrInvalidModel = errors.New("scene: invalid model")

// NoTexture marks a material without a base color texture.
const NoTexture = -1

// Attribute is the per-vertex shading data.
type Attribute struct {
	Normal math.Vec3
	UV     math.Vec2
}

type Mesh struct {
	Name       string
	Positions  []math.Vec3
	Attributes []Attribute
	Indices    []uint32
	Material   int
}

type Material struct {
	Name      string
	BaseColor math.Vec4
	// TextureIndex indexes Model.Textures, or is NoTexture.
	TextureIndex int
	// AlphaBlend selects the alpha-tested hit group.
	AlphaBlend bool
}

// Texture is tightly packed RGBA8 pixel data.
type Texture struct {
	Name   string
	Width  uint32
	Height uint32
	Pixels []byte
}

type Instance struct {
	Mesh      int
	Transform math.Mat4
}

// Model is the unit of ingestion: every index is local to the model.
type Model struct {
	Name      string
	Meshes    []Mesh
	Materials []Material
	Textures  []Texture
	Instances []Instance
}

func (m *Model) Validate() error {
	for i, t := range m.Textures {
		if t.Width == 0 || t.Height == 0 || uint64(len(t.Pixels)) != uint64(t.Width)*uint64(t.Height)*4 {
			return fmt.Errorf("%w: texture %d (%s) is %dx%d with %d bytes", ErrInvalidModel, i, t.Name, t.Width, t.Height, len(t.Pixels))
		}
	}
	for i, mat := range m.Materials {
		if mat.TextureIndex != NoTexture && (mat.TextureIndex < 0 || mat.TextureIndex >= len(m.Textures)) {
			return fmt.Errorf("%w: material %d (%s) references texture %d of %d", ErrInvalidModel, i, mat.Name, mat.TextureIndex, len(m.Textures))
		}
	}
	for i, mesh := range m.Meshes {
		if err := mesh.validate(len(m.Materials)); err != nil {
			return fmt.Errorf("%w: mesh %d (%s): %s", ErrInvalidModel, i, mesh.Name, err)
		}
	}
	for i, inst := range m.Instances {
		if inst.Mesh < 0 || inst.Mesh >= len(m.Meshes) {
			return fmt.Errorf("%w: instance %d references mesh %d of %d", ErrInvalidModel, i, inst.Mesh, len(m.Meshes))
		}
		if !inst.Transform.IsAffine() {
			return fmt.Errorf("%w: instance %d has a projective transform", ErrInvalidModel, i)
		}
	}
	return nil
}

func (m *Mesh) validate(materials int) error {
	if len(m.Positions) == 0 {
		return errors.New("no positions")
	}
	if len(m.Attributes) != len(m.Positions) {
		return fmt.Errorf("%d attributes for %d positions", len(m.Attributes), len(m.Positions))
	}
	if len(m.Indices) == 0 || len(m.Indices)%3 != 0 {
		return fmt.Errorf("%d indices is not a triangle list", len(m.Indices))
	}
	for _, idx := range m.Indices {
		if int(idx) >= len(m.Positions) {
			return fmt.Errorf("index %d out of %d positions", idx, len(m.Positions))
		}
	}
	if m.Material < 0 || m.Material >= materials {
		return fmt.Errorf("material %d of %d", m.Material, materials)
	}
	return nil
}

// Bounds returns the object space extents of the mesh.
func (m *Mesh) Bounds() math.Extents3D {
	return math.BoundsOf(m.Positions)
}
