package rhi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/math"
)

type AccelerationStructureKind uint8

const (
	BottomLevel AccelerationStructureKind = iota
	TopLevel
)

func (k AccelerationStructureKind) String() string {
	if k == TopLevel {
		return "tlas"
	}
	return "blas"
}

// TriangleGeometry is one indexed triangle list of a bottom-level
// structure. Positions are three float32 per vertex; indices are uint32.
type TriangleGeometry struct {
	Vertices     Buffer
	VertexOffset uint64
	VertexStride uint32
	VertexCount  uint32
	Indices      Buffer
	IndexOffset  uint64
	IndexCount   uint32
	Opaque       bool
}

type AccelerationStructureDesc struct {
	Label string
	Kind  AccelerationStructureKind
	// Bottom level only.
	Geometries []TriangleGeometry
	// Top level only: InstanceCount records of InstanceRecordSize bytes.
	Instances      Buffer
	InstanceOffset uint64
	InstanceCount  uint32
}

// AccelerationStructure is allocated by the device and filled by
// CommandList.BuildAccelerationStructure.
type AccelerationStructure interface {
	ID() uuid.UUID
	Label() string
	Kind() AccelerationStructureKind
	DeviceAddress() DeviceAddress
	Destroy()
}

type InstanceFlags uint8

const (
	InstanceFlagTriangleCullDisable InstanceFlags = 0x1
	InstanceFlagForceOpaque         InstanceFlags = 0x4
	InstanceFlagForceNoOpaque       InstanceFlags = 0x8
)

// InstanceRecordSize is the size of an encoded InstanceRecord.
const InstanceRecordSize = 64

// InstanceRecord is the top-level instance layout consumed by the device:
// a row-major 3x4 transform, 24-bit custom index with an 8-bit mask,
// 24-bit binding table offset with 8 bits of flags, and the address of the
// referenced bottom-level structure.
type InstanceRecord struct {
	Transform          [12]float32
	CustomIndexAndMask uint32
	SBTOffsetAndFlags  uint32
	BLAS               DeviceAddress
}

func NewInstanceRecord(transform math.Mat4, customIndex uint32, mask uint8, sbtOffset uint32, flags InstanceFlags, blas DeviceAddress) (InstanceRecord, error) {
	if customIndex > 0xFFFFFF || sbtOffset > 0xFFFFFF {
		return InstanceRecord{}, fmt.Errorf("instance index %d or sbt offset %d exceeds 24 bits", customIndex, sbtOffset)
	}
	return InstanceRecord{
		Transform:          transform.Affine3x4(),
		CustomIndexAndMask: customIndex | uint32(mask)<<24,
		SBTOffsetAndFlags:  sbtOffset | uint32(flags)<<24,
		BLAS:               blas,
	}, nil
}

func (r InstanceRecord) CustomIndex() uint32 {
	return r.CustomIndexAndMask & 0xFFFFFF
}

func (r InstanceRecord) Mask() uint8 {
	return uint8(r.CustomIndexAndMask >> 24)
}

func (r InstanceRecord) SBTOffset() uint32 {
	return r.SBTOffsetAndFlags & 0xFFFFFF
}

func (r InstanceRecord) Flags() InstanceFlags {
	return InstanceFlags(r.SBTOffsetAndFlags >> 24)
}

func (r InstanceRecord) Matrix() math.Mat4 {
	return math.NewMat4FromAffine3x4(r.Transform)
}

// Encode writes the record into dst, which must hold InstanceRecordSize
// bytes.
func (r InstanceRecord) Encode(dst []byte) error {
	_, err := binary.Encode(dst, binary.LittleEndian, r)
	return err
}

func DecodeInstanceRecord(src []byte) (InstanceRecord, error) {
	var r InstanceRecord
	_, err := binary.Decode(src, binary.LittleEndian, &r)
	return r, err
}

type ShaderStage uint8

const (
	StageRayGen ShaderStage = iota
	StageMiss
	StageClosestHit
	StageAnyHit
)

func (s ShaderStage) String() string {
	switch s {
	case StageRayGen:
		return "raygen"
	case StageMiss:
		return "miss"
	case StageClosestHit:
		return "closesthit"
	case StageAnyHit:
		return "anyhit"
	}
	return "unknown"
}

// ShaderModule carries both representations of a stage: SPIR-V for GPU
// backends and a host kernel for the software backend. The kernel must be
// the function type matching Stage.
type ShaderModule struct {
	Label  string
	Stage  ShaderStage
	Entry  string
	Code   []byte
	Kernel any
}

type HitGroup struct {
	Label      string
	ClosestHit *ShaderModule
	AnyHit     *ShaderModule
}

// RayTracingPipelineDesc lists the shader groups. Group indices are the
// raygen group 0, then the miss shaders, then the hit groups.
type RayTracingPipelineDesc struct {
	Label             string
	RayGen            *ShaderModule
	Miss              []*ShaderModule
	HitGroups         []HitGroup
	MaxRecursionDepth uint32
	PushConstantSize  uint32
}

func (d RayTracingPipelineDesc) GroupCount() int {
	return 1 + len(d.Miss) + len(d.HitGroups)
}

func (d RayTracingPipelineDesc) HitGroupIndex(i int) int {
	return 1 + len(d.Miss) + i
}

type Pipeline interface {
	ID() uuid.UUID
	Label() string
	GroupCount() int
	// ShaderGroupHandle returns the opaque handle of a shader group, to be
	// written into a shader binding table record.
	ShaderGroupHandle(group int) ([]byte, error)
	Destroy()
}

type RayFlags uint32

const (
	RayFlagNone                 RayFlags = 0
	RayFlagOpaque               RayFlags = 0x1
	RayFlagTerminateOnFirstHit  RayFlags = 0x4
	RayFlagSkipClosestHitShader RayFlags = 0x8
)

// Ray is the argument of traceRay: the record used on a hit is
// instance.SBTOffset + SBTOffset + geometryIndex*SBTStride.
type Ray struct {
	TLAS      DeviceAddress
	Flags     RayFlags
	Mask      uint8
	SBTOffset uint32
	SBTStride uint32
	MissIndex uint32
	Origin    math.Vec3
	Direction math.Vec3
	TMin      float32
	TMax      float32
}

// ShaderContext is what every host kernel can reach.
type ShaderContext interface {
	PushConstants() []byte
	// Load reads device memory at addr. An unmapped address faults: the
	// call returns false and the device is lost at the end of the dispatch.
	Load(addr DeviceAddress, dst []byte) bool
	SampleTexture(texture, sampler uint32, uv math.Vec2) math.Vec4
	TraceRay(ray Ray, payload []float32)
}

type RayGenContext interface {
	ShaderContext
	LaunchID() [3]uint32
	LaunchSize() [3]uint32
	StoreImage(image uint32, x, y uint32, color math.Vec4)
}

type HitContext interface {
	ShaderContext
	InstanceCustomIndex() uint32
	InstanceIndex() uint32
	GeometryIndex() uint32
	PrimitiveIndex() uint32
	Barycentrics() math.Vec2
	HitT() float32
	WorldRayOrigin() math.Vec3
	WorldRayDirection() math.Vec3
	ObjectToWorld() math.Mat4
}

type MissContext interface {
	ShaderContext
	WorldRayOrigin() math.Vec3
	WorldRayDirection() math.Vec3
}

// Host kernel signatures, one per shader stage.
type (
	RayGenKernel     func(ctx RayGenContext)
	MissKernel       func(ctx MissContext, payload []float32)
	ClosestHitKernel func(ctx HitContext, payload []float32)
	// AnyHitKernel returns false to ignore the intersection.
	AnyHitKernel func(ctx HitContext, payload []float32) bool
)
