package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAffineDetection(t *testing.T) {
	m := NewTransformFrom(NewVec3(1, 2, 3), NewQuatFromAxisAngle(NewVec3Up(), DegToRad(30), true), NewVec3(2, 2, 2)).GetLocal()
	assert.True(t, m.IsAffine())

	p := NewMat4Perspective(DegToRad(60), 1.5, 0.1, 100)
	assert.False(t, p.IsAffine())
}

func TestQuaternionMatrixAgreesWithRotate(t *testing.T) {
	q := NewQuatFromAxisAngle(NewVec3(1, 1, 0).Normalize(), DegToRad(70), true)
	v := NewVec3(0.3, -2, 5)
	assert.True(t, v.Transform(q.ToMat4()).Compare(q.Rotate(v), 1e-5))

	quarter := NewQuatFromAxisAngle(NewVec3Up(), DegToRad(90), true)
	assert.True(t, NewVec3Forward().Transform(quarter.ToMat4()).Compare(NewVec3(-1, 0, 0), 1e-6))
}

func TestTransformOrder(t *testing.T) {
	tr := NewTransformFrom(NewVec3(10, 0, 0), NewQuatFromAxisAngle(NewVec3Up(), DegToRad(90), true), NewVec3(2, 2, 2))
	// scale, rotate, then translate
	got := NewVec3(1, 0, 0).Transform(tr.GetLocal())
	assert.True(t, got.Compare(NewVec3(10, 0, -2), 1e-5), "got %v", got)
}

func TestInverseRoundTrip(t *testing.T) {
	m := NewTransformFrom(NewVec3(4, -1, 2), NewQuatFromAxisAngle(NewVec3(0, 0, 1), 0.4, true), NewVec3(1, 3, 1)).GetLocal()
	id := m.Mul(m.Inverse())
	for i, v := range NewMat4Identity().Data {
		assert.InDelta(t, v, id.Data[i], 1e-4)
	}
}

func TestAffine3x4RoundTrip(t *testing.T) {
	m := NewMat4Scale(NewVec3(1, 2, 3)).Mul(NewMat4Translation(NewVec3(7, 8, 9)))
	rows := m.Affine3x4()
	assert.Equal(t, float32(7), rows[3])
	assert.Equal(t, float32(8), rows[7])
	assert.Equal(t, float32(9), rows[11])
	assert.Equal(t, m, NewMat4FromAffine3x4(rows))
}

func TestRayBoxIntersection(t *testing.T) {
	box := Extents3D{Min: NewVec3(-1, -1, -1), Max: NewVec3(1, 1, 1)}
	origin := NewVec3(0, 0, 5)
	dir := NewVec3(0, 0, -1)
	inv := NewVec3(1/dir.X, 1/dir.Y, 1/dir.Z)
	tHit, ok := box.IntersectRay(origin, inv, 0, K_INFINITY)
	assert.True(t, ok)
	assert.InDelta(t, 4, tHit, 1e-6)

	_, ok = box.IntersectRay(NewVec3(3, 0, 5), inv, 0, K_INFINITY)
	assert.False(t, ok)
}

func TestGenerateNormals(t *testing.T) {
	positions := []Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	n := GenerateNormals(positions, []uint32{0, 1, 2})
	for _, v := range n {
		assert.True(t, v.Compare(NewVec3(0, 0, 1), 1e-6))
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 3, Clamp(7, 0, 3))
	assert.Equal(t, float32(0.5), Clamp(float32(0.5), 0, 1))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(256), AlignUp(uint64(1), 256))
	assert.Equal(t, uint64(256), AlignUp(uint64(256), 256))
	assert.Equal(t, uint32(64), AlignUp(uint32(33), 32))
	assert.Equal(t, uint32(5), AlignUp(uint32(5), 0))
}

func TestEulerAppliesXThenY(t *testing.T) {
	q := NewQuatFromEuler(DegToRad(90), DegToRad(90), 0)
	// +Z tips to -Y around x, then -Y stays put around y
	assert.True(t, q.Rotate(NewVec3(0, 0, 1)).Compare(NewVec3(0, -1, 0), 1e-5))
	// +Y tips to +Z around x, then +Z swings to +X around y
	assert.True(t, q.Rotate(NewVec3(0, 1, 0)).Compare(NewVec3(1, 0, 0), 1e-5))
}
