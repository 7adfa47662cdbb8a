package raytracing

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

const (
	PushConstantsSize = 80
	GPUMaterialSize   = 32
	GPUMeshDataSize   = 24
	attributeSize     = 20
	positionSize      = 12
)

// PushConstants is the per-frame block read by every shader stage. The
// camera is sent as a position and two basis vectors; raygen rebuilds the
// primary ray directions from them.
type PushConstants struct {
	TLAS           rhi.DeviceAddress
	Materials      rhi.DeviceAddress
	Meshes         rhi.DeviceAddress
	CameraPosition [3]float32
	OutputImage    uint32
	CameraForward  [3]float32
	DefaultSampler uint32
	CameraUp       [3]float32
	TanHalfFov     float32
	Frame          uint32
	_              uint32
}

func (p PushConstants) Encode() []byte {
	out := make([]byte, PushConstantsSize)
	_, _ = binary.Encode(out, binary.LittleEndian, p)
	return out
}

// decodePushConstants is the hot path of every kernel, so it avoids
// reflection.
func decodePushConstants(b []byte) PushConstants {
	le := binary.LittleEndian
	f := func(off int) float32 { return stdmath.Float32frombits(le.Uint32(b[off:])) }
	vec := func(off int) [3]float32 { return [3]float32{f(off), f(off + 4), f(off + 8)} }
	return PushConstants{
		TLAS:           rhi.DeviceAddress(le.Uint64(b[0:])),
		Materials:      rhi.DeviceAddress(le.Uint64(b[8:])),
		Meshes:         rhi.DeviceAddress(le.Uint64(b[16:])),
		CameraPosition: vec(24),
		OutputImage:    le.Uint32(b[36:]),
		CameraForward:  vec(40),
		DefaultSampler: le.Uint32(b[52:]),
		CameraUp:       vec(56),
		TanHalfFov:     f(68),
		Frame:          le.Uint32(b[72:]),
	}
}

// GPUMaterial mirrors the material array read by the hit shaders.
type GPUMaterial struct {
	BaseColor [4]float32
	// TextureIndex is a sampled image heap slot, or -1.
	TextureIndex int32
	AlphaBlend   uint32
	_            [2]uint32
}

// GPUMeshData locates the shading inputs of one mesh slot. The instance
// custom index selects the entry.
type GPUMeshData struct {
	IndexAddress     rhi.DeviceAddress
	AttributeAddress rhi.DeviceAddress
	Material         uint32
	_                uint32
}

type gpuAttribute struct {
	Normal [3]float32
	UV     [2]float32
}

func vec3(v [3]float32) math.Vec3 {
	return math.NewVec3(v[0], v[1], v[2])
}

func array3(v math.Vec3) [3]float32 {
	return [3]float32{v.X, v.Y, v.Z}
}

// sbtLayout places the raygen, miss and hit records in one buffer, each
// region starting on the device base alignment.
type sbtLayout struct {
	stride uint64
	raygen uint64
	miss   uint64
	hit    uint64
	misses uint64
	hits   uint64
	size   uint64
}

func newSBTLayout(l rhi.Limits, misses, hits uint32) sbtLayout {
	stride := math.AlignUp(uint64(l.ShaderGroupHandleSize), uint64(l.ShaderGroupHandleAlignment))
	base := uint64(l.ShaderGroupBaseAlignment)
	s := sbtLayout{stride: stride, misses: uint64(misses), hits: uint64(hits)}
	s.miss = math.AlignUp(stride, base)
	s.hit = math.AlignUp(s.miss+stride*s.misses, base)
	s.size = s.hit + stride*s.hits
	return s
}

func (s sbtLayout) hitRecord(slot uint32) uint64 {
	return s.hit + uint64(slot)*s.stride
}

func (s sbtLayout) trace(addr rhi.DeviceAddress, width, height uint32) rhi.TraceRaysDesc {
	return rhi.TraceRaysDesc{
		RayGen: rhi.StridedRegion{Address: addr + rhi.DeviceAddress(s.raygen), Stride: s.stride, Size: s.stride},
		Miss:   rhi.StridedRegion{Address: addr + rhi.DeviceAddress(s.miss), Stride: s.stride, Size: s.stride * s.misses},
		Hit:    rhi.StridedRegion{Address: addr + rhi.DeviceAddress(s.hit), Stride: s.stride, Size: s.stride * s.hits},
		Width:  width,
		Height: height,
		Depth:  1,
	}
}
