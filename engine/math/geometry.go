package math

// GenerateNormals returns flat per-vertex normals for an indexed triangle
// list. Vertices shared by several triangles get the normalized sum of the
// face normals.
func GenerateNormals(positions []Vec3, indices []uint32) []Vec3 {
	normals := make([]Vec3, len(positions))
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]
		edge1 := positions[i1].Sub(positions[i0])
		edge2 := positions[i2].Sub(positions[i0])
		n := edge1.Cross(edge2)
		normals[i0] = normals[i0].Add(n)
		normals[i1] = normals[i1].Add(n)
		normals[i2] = normals[i2].Add(n)
	}
	for i := range normals {
		normals[i] = normals[i].Normalize()
	}
	return normals
}

// BoundsOf returns the extents of a point set.
func BoundsOf(positions []Vec3) Extents3D {
	e := NewExtents3DEmpty()
	for _, p := range positions {
		e = e.Grow(p)
	}
	return e
}
