package components

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spaghettifunk/raylight/engine/math"
)

func TestCameraDefaultsLookDownNegativeZ(t *testing.T) {
	c := NewCamera(60)
	assert.True(t, c.Forward().Compare(math.NewVec3(0, 0, -1), 1e-6))
	assert.True(t, c.Right().Compare(math.NewVec3(1, 0, 0), 1e-6))
	assert.InDelta(t, math.DegToRad(60), c.Data().Fov, 1e-6)
}

func TestCameraYawTurnsLeft(t *testing.T) {
	c := NewCamera(60)
	c.Yaw(math.DegToRad(90))
	assert.True(t, c.Forward().Compare(math.NewVec3(-1, 0, 0), 1e-5), "got %v", c.Forward())

	c.MoveForward(2)
	assert.True(t, c.Position.Compare(math.NewVec3(-2, 0, 0), 1e-5))
}

func TestCameraPitchIsClamped(t *testing.T) {
	c := NewCamera(60)
	c.Pitch(10)
	assert.InDelta(t, pitchLimit, c.EulerRotation.X, 1e-6)
	assert.Greater(t, c.Forward().Y, float32(0.99))
}

func TestCameraLookAt(t *testing.T) {
	c := NewCamera(60)
	c.SetPosition(math.NewVec3(0, 2, 5))
	target := math.NewVec3(3, 0, -1)
	c.LookAt(target)
	want := target.Sub(c.Position).Normalize()
	assert.True(t, c.Forward().Compare(want, 1e-5), "got %v want %v", c.Forward(), want)

	d := c.Data()
	assert.True(t, d.Rotation.Rotate(math.NewVec3Forward()).Compare(want, 1e-5))
	assert.Equal(t, c.Position, d.Position)
}
