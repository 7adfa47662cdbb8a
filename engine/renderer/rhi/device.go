package rhi

import "context"

type Features struct {
	RayTracing          bool
	DescriptorIndexing  bool
	BufferDeviceAddress bool
}

type Limits struct {
	ShaderGroupHandleSize      uint32
	ShaderGroupHandleAlignment uint32
	ShaderGroupBaseAlignment   uint32
	MaxPushConstantSize        uint32
	MaxRayRecursionDepth       uint32
	MaxImageDimension          uint32
}

// Device creates resources and exposes the queues. It is safe for
// concurrent use.
type Device interface {
	Name() string
	Backend() string
	Features() Features
	Limits() Limits
	Queue(kind QueueKind) Queue

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateImage(desc ImageDesc) (Image, error)
	CreateSampler(desc SamplerDesc) (Sampler, error)
	CreateFence(label string, initial uint64) (Fence, error)
	CreateCommandPool(kind QueueKind) (CommandPool, error)
	CreateDescriptorHeap(desc DescriptorHeapDesc) (DescriptorHeap, error)
	CreateAccelerationStructure(desc AccelerationStructureDesc) (AccelerationStructure, error)
	CreateRayTracingPipeline(desc RayTracingPipelineDesc) (Pipeline, error)

	WaitIdle(ctx context.Context) error
	Destroy()
}
