package raytracing

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

// Host kernels of the software backend. They mirror the GLSL stages under
// assets/shaders and read the same buffers through device addresses.

const (
	missSky    = 0
	missShadow = 1

	ambient     = 0.15
	alphaCutoff = 0.5
	rayTMin     = 1e-3
	rayTMax     = 1e4
	shadowBias  = 1e-3
)

var sunDirection = math.NewVec3(0.4, 1, 0.3).Normalize()

func f32(b []byte) float32 {
	return stdmath.Float32frombits(binary.LittleEndian.Uint32(b))
}

// primaryRay reconstructs the camera ray through the center of a pixel.
func primaryRay(pc PushConstants, id, size [3]uint32) (origin, dir math.Vec3) {
	u := (float32(id[0])+0.5)/float32(size[0])*2 - 1
	v := 1 - (float32(id[1])+0.5)/float32(size[1])*2
	aspect := float32(size[0]) / float32(size[1])
	forward := vec3(pc.CameraForward)
	up := vec3(pc.CameraUp)
	right := forward.Cross(up).Normalize()
	dir = forward.
		Add(right.MulScalar(u * pc.TanHalfFov * aspect)).
		Add(up.MulScalar(v * pc.TanHalfFov)).
		Normalize()
	return vec3(pc.CameraPosition), dir
}

func skyColor(dir math.Vec3) math.Vec3 {
	t := 0.5 * (dir.Y + 1)
	horizon := math.NewVec3(1, 1, 1)
	zenith := math.NewVec3(0.5, 0.7, 1)
	return horizon.MulScalar(1 - t).Add(zenith.MulScalar(t))
}

func rayGen(ctx rhi.RayGenContext) {
	pc := decodePushConstants(ctx.PushConstants())
	id, size := ctx.LaunchID(), ctx.LaunchSize()
	origin, dir := primaryRay(pc, id, size)

	var color math.Vec3
	if pc.TLAS == 0 {
		color = skyColor(dir)
	} else {
		payload := make([]float32, 4)
		ctx.TraceRay(rhi.Ray{
			TLAS:      pc.TLAS,
			Mask:      0xFF,
			SBTStride: 1,
			MissIndex: missSky,
			Origin:    origin,
			Direction: dir,
			TMin:      rayTMin,
			TMax:      rayTMax,
		}, payload)
		color = math.NewVec3(payload[0], payload[1], payload[2])
	}
	ctx.StoreImage(pc.OutputImage, id[0], id[1], color.ToVec4(1))
}

func skyMiss(ctx rhi.MissContext, payload []float32) {
	c := skyColor(ctx.WorldRayDirection())
	payload[0], payload[1], payload[2], payload[3] = c.X, c.Y, c.Z, 0
}

// shadowMiss clears the occlusion flag the caller preset.
func shadowMiss(_ rhi.MissContext, payload []float32) {
	payload[0] = 0
}

type surface struct {
	material GPUMaterial
	normal   math.Vec3
	uv       math.Vec2
}

// loadSurface fetches the mesh slot, triangle, attributes and material of
// the current hit.
func loadSurface(ctx rhi.HitContext, pc PushConstants) (surface, bool) {
	var s surface
	var buf [GPUMaterialSize]byte

	if !ctx.Load(pc.Meshes+rhi.DeviceAddress(ctx.InstanceCustomIndex())*GPUMeshDataSize, buf[:GPUMeshDataSize]) {
		return s, false
	}
	le := binary.LittleEndian
	indexAddr := rhi.DeviceAddress(le.Uint64(buf[0:]))
	attrAddr := rhi.DeviceAddress(le.Uint64(buf[8:]))
	material := le.Uint32(buf[16:])

	if !ctx.Load(indexAddr+rhi.DeviceAddress(ctx.PrimitiveIndex())*12, buf[:12]) {
		return s, false
	}
	tri := [3]uint32{le.Uint32(buf[0:]), le.Uint32(buf[4:]), le.Uint32(buf[8:])}

	b := ctx.Barycentrics()
	weights := [3]float32{1 - b.X - b.Y, b.X, b.Y}
	for i, idx := range tri {
		if !ctx.Load(attrAddr+rhi.DeviceAddress(idx)*attributeSize, buf[:attributeSize]) {
			return s, false
		}
		n := math.NewVec3(f32(buf[0:]), f32(buf[4:]), f32(buf[8:]))
		uv := math.NewVec2(f32(buf[12:]), f32(buf[16:]))
		s.normal = s.normal.Add(n.MulScalar(weights[i]))
		s.uv = s.uv.Add(uv.MulScalar(weights[i]))
	}

	if !ctx.Load(pc.Materials+rhi.DeviceAddress(material)*GPUMaterialSize, buf[:]) {
		return s, false
	}
	s.material = GPUMaterial{
		BaseColor:    [4]float32{f32(buf[0:]), f32(buf[4:]), f32(buf[8:]), f32(buf[12:])},
		TextureIndex: int32(le.Uint32(buf[16:])),
		AlphaBlend:   le.Uint32(buf[20:]),
	}
	return s, true
}

func (s surface) albedo(ctx rhi.ShaderContext, pc PushConstants) math.Vec4 {
	c := s.material.BaseColor
	color := math.NewVec4(c[0], c[1], c[2], c[3])
	if s.material.TextureIndex >= 0 {
		color = color.Mul(ctx.SampleTexture(uint32(s.material.TextureIndex), pc.DefaultSampler, s.uv))
	}
	return color
}

func closestHit(ctx rhi.HitContext, payload []float32) {
	pc := decodePushConstants(ctx.PushConstants())
	s, ok := loadSurface(ctx, pc)
	if !ok {
		return
	}
	dir := ctx.WorldRayDirection()
	normal := s.normal.TransformDirection(ctx.ObjectToWorld()).Normalize()
	if normal.Dot(dir) > 0 {
		normal = normal.Negate()
	}
	albedo := s.albedo(ctx, pc)

	position := ctx.WorldRayOrigin().Add(dir.MulScalar(ctx.HitT()))
	occluded := []float32{1}
	ctx.TraceRay(rhi.Ray{
		TLAS:      pc.TLAS,
		Flags:     rhi.RayFlagTerminateOnFirstHit | rhi.RayFlagSkipClosestHitShader,
		Mask:      0xFF,
		SBTStride: 1,
		MissIndex: missShadow,
		Origin:    position.Add(normal.MulScalar(shadowBias)),
		Direction: sunDirection,
		TMin:      rayTMin,
		TMax:      rayTMax,
	}, occluded)

	diffuse := max(normal.Dot(sunDirection), 0) * (1 - occluded[0])
	light := ambient + (1-ambient)*diffuse
	payload[0] = albedo.X * light
	payload[1] = albedo.Y * light
	payload[2] = albedo.Z * light
	payload[3] = 1
}

// alphaTest discards hits whose material alpha is below the cutoff.
func alphaTest(ctx rhi.HitContext, _ []float32) bool {
	pc := decodePushConstants(ctx.PushConstants())
	s, ok := loadSurface(ctx, pc)
	if !ok {
		return false
	}
	return s.albedo(ctx, pc).W >= alphaCutoff
}
