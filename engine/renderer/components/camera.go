package components

import (
	"github.com/chewxy/math32"

	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/raytracing"
)

// pitchLimit keeps the camera away from the poles (89 degrees).
const pitchLimit float32 = 1.55334306

/**
 * @brief Represents the camera rays are traced from. The camera looks
 * down -Z when its rotation is zero.
 */
type Camera struct {
	/**
	 * @brief The position of this camera.
	 */
	Position math.Vec3
	/**
	 * @brief The rotation of this camera using Euler angles (pitch, yaw, roll)
	 * in radians. Pitch applies first, then yaw, then roll.
	 * NOTE: Do not set this directly, use SetEulerRotation() instead
	 * so the orientation is recalculated when needed.
	 */
	EulerRotation math.Vec3
	/** @brief Vertical field of view in radians. */
	Fov float32
	/** @brief Internal flag used to determine when the orientation needs to be rebuilt. */
	IsDirty bool

	rotation math.Quaternion
}

func NewCamera(fovDegrees float32) *Camera {
	camera := &Camera{}
	camera.Reset()
	camera.Fov = math.DegToRad(fovDegrees)
	return camera
}

func (c *Camera) Reset() {
	c.EulerRotation = math.NewVec3Zero()
	c.Position = math.NewVec3Zero()
	c.rotation = math.NewQuatIdentity()
	c.IsDirty = false
}

func (c *Camera) GetPosition() math.Vec3 {
	return c.Position
}

func (c *Camera) SetPosition(position math.Vec3) {
	c.Position = position
}

func (c *Camera) GetEulerRotation() math.Vec3 {
	return c.EulerRotation
}

func (c *Camera) SetEulerRotation(rotation math.Vec3) {
	c.EulerRotation = rotation
	c.IsDirty = true
}

// Rotation returns the orientation quaternion.
func (c *Camera) Rotation() math.Quaternion {
	if c.IsDirty {
		c.rotation = math.NewQuatFromEuler(c.EulerRotation.X, c.EulerRotation.Y, c.EulerRotation.Z)
		c.IsDirty = false
	}
	return c.rotation
}

func (c *Camera) Forward() math.Vec3 {
	return c.Rotation().Rotate(math.NewVec3Forward())
}

func (c *Camera) Backward() math.Vec3 {
	return c.Forward().MulScalar(-1)
}

func (c *Camera) Left() math.Vec3 {
	return c.Right().MulScalar(-1)
}

func (c *Camera) Right() math.Vec3 {
	return c.Rotation().Rotate(math.NewVec3Right())
}

func (c *Camera) Up() math.Vec3 {
	return c.Rotation().Rotate(math.NewVec3Up())
}

func (c *Camera) MoveForward(amount float32) {
	c.Position = c.Position.Add(c.Forward().MulScalar(amount))
}

func (c *Camera) MoveBackward(amount float32) {
	c.Position = c.Position.Add(c.Backward().MulScalar(amount))
}

func (c *Camera) MoveLeft(amount float32) {
	c.Position = c.Position.Add(c.Left().MulScalar(amount))
}

func (c *Camera) MoveRight(amount float32) {
	c.Position = c.Position.Add(c.Right().MulScalar(amount))
}

func (c *Camera) MoveUp(amount float32) {
	c.Position = c.Position.Add(math.NewVec3Up().MulScalar(amount))
}

func (c *Camera) MoveDown(amount float32) {
	c.Position = c.Position.Add(math.NewVec3Up().MulScalar(-amount))
}

func (c *Camera) Yaw(amount float32) {
	c.EulerRotation.Y += amount
	c.IsDirty = true
}

func (c *Camera) Pitch(amount float32) {
	c.EulerRotation.X = math.Clamp(c.EulerRotation.X+amount, -pitchLimit, pitchLimit)
	c.IsDirty = true
}

// LookAt turns the camera towards target, dropping any roll.
func (c *Camera) LookAt(target math.Vec3) {
	dir := target.Sub(c.Position)
	if dir.LengthSquared() == 0 {
		return
	}
	dir = dir.Normalize()
	c.EulerRotation = math.NewVec3(
		math.Clamp(math32.Asin(dir.Y), -pitchLimit, pitchLimit),
		math32.Atan2(-dir.X, -dir.Z),
		0,
	)
	c.IsDirty = true
}

// Data is the per-frame camera state handed to the ray tracer.
func (c *Camera) Data() raytracing.CameraData {
	return raytracing.CameraData{
		Position: c.Position,
		Rotation: c.Rotation(),
		Fov:      c.Fov,
	}
}
