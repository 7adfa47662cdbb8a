package scene

import "github.com/spaghettifunk/raylight/engine/math"

// NewQuad returns a size x size quad in the XY plane facing +Z.
func NewQuad(size float32, material int) Mesh {
	h := size * 0.5
	n := math.NewVec3(0, 0, 1)
	return Mesh{
		Name: "quad",
		Positions: []math.Vec3{
			math.NewVec3(-h, -h, 0),
			math.NewVec3(h, -h, 0),
			math.NewVec3(h, h, 0),
			math.NewVec3(-h, h, 0),
		},
		Attributes: []Attribute{
			{Normal: n, UV: math.NewVec2(0, 1)},
			{Normal: n, UV: math.NewVec2(1, 1)},
			{Normal: n, UV: math.NewVec2(1, 0)},
			{Normal: n, UV: math.NewVec2(0, 0)},
		},
		Indices:  []uint32{0, 1, 2, 0, 2, 3},
		Material: material,
	}
}

// NewCube returns an axis aligned cube centered on the origin with four
// vertices per face, so every face has its own normal and UVs.
func NewCube(size float32, material int) Mesh {
	h := size * 0.5
	faces := []struct {
		normal, u, v math.Vec3
	}{
		{math.NewVec3(0, 0, 1), math.NewVec3(1, 0, 0), math.NewVec3(0, 1, 0)},
		{math.NewVec3(0, 0, -1), math.NewVec3(-1, 0, 0), math.NewVec3(0, 1, 0)},
		{math.NewVec3(1, 0, 0), math.NewVec3(0, 0, -1), math.NewVec3(0, 1, 0)},
		{math.NewVec3(-1, 0, 0), math.NewVec3(0, 0, 1), math.NewVec3(0, 1, 0)},
		{math.NewVec3(0, 1, 0), math.NewVec3(1, 0, 0), math.NewVec3(0, 0, -1)},
		{math.NewVec3(0, -1, 0), math.NewVec3(1, 0, 0), math.NewVec3(0, 0, 1)},
	}
	m := Mesh{Name: "cube", Material: material}
	for _, f := range faces {
		base := uint32(len(m.Positions))
		c := f.normal.MulScalar(h)
		for _, corner := range [4][2]float32{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}} {
			p := c.Add(f.u.MulScalar(corner[0] * h)).Add(f.v.MulScalar(corner[1] * h))
			m.Positions = append(m.Positions, p)
			m.Attributes = append(m.Attributes, Attribute{
				Normal: f.normal,
				UV:     math.NewVec2((corner[0]+1)*0.5, (1-corner[1])*0.5),
			})
		}
		m.Indices = append(m.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return m
}

// NewMeshFromTriangles builds a mesh from raw positions, generating smooth
// normals. uvs may be nil.
func NewMeshFromTriangles(name string, positions []math.Vec3, indices []uint32, uvs []math.Vec2, material int) Mesh {
	normals := math.GenerateNormals(positions, indices)
	attrs := make([]Attribute, len(positions))
	for i := range attrs {
		attrs[i].Normal = normals[i]
		if i < len(uvs) {
			attrs[i].UV = uvs[i]
		}
	}
	return Mesh{
		Name:       name,
		Positions:  positions,
		Attributes: attrs,
		Indices:    indices,
		Material:   material,
	}
}

// NewSolidTexture returns a width x height texture of one color.
func NewSolidTexture(name string, width, height uint32, color [4]byte) Texture {
	px := make([]byte, width*height*4)
	for i := 0; i < len(px); i += 4 {
		copy(px[i:], color[:])
	}
	return Texture{Name: name, Width: width, Height: height, Pixels: px}
}

// NewCheckerTexture alternates two colors in cells of cell pixels.
func NewCheckerTexture(name string, size, cell uint32, a, b [4]byte) Texture {
	t := NewSolidTexture(name, size, size, a)
	for y := uint32(0); y < size; y++ {
		for x := uint32(0); x < size; x++ {
			if (x/cell+y/cell)%2 == 1 {
				copy(t.Pixels[(y*size+x)*4:], b[:])
			}
		}
	}
	return t
}
