package rhi

// CommandPool owns the memory of the command lists allocated from it.
// Reset recycles every list at once; the caller guarantees none is still
// executing.
type CommandPool interface {
	Kind() QueueKind
	Allocate() (CommandList, error)
	Reset() error
	Destroy()
}

// StridedRegion is a range of shader binding table records.
type StridedRegion struct {
	Address DeviceAddress
	Stride  uint64
	Size    uint64
}

type TraceRaysDesc struct {
	RayGen StridedRegion
	Miss   StridedRegion
	Hit    StridedRegion
	Width  uint32
	Height uint32
	Depth  uint32
}

// CommandList records GPU work. Recording methods do not fail; invalid
// usage is reported by End.
type CommandList interface {
	Begin() error
	End() error

	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64)
	// CopyBufferToImage copies tightly packed pixels into the whole image,
	// which must be in the transfer-dst layout.
	CopyBufferToImage(src Buffer, srcOffset uint64, dst Image)
	// CopyImageToBuffer reads back the whole image, which must be in the
	// transfer-src layout.
	CopyImageToBuffer(src Image, dst Buffer, dstOffset uint64)
	TransitionImage(img Image, from, to ImageLayout)

	BuildAccelerationStructure(as AccelerationStructure)

	BindDescriptorHeap(heap DescriptorHeap)
	BindPipeline(p Pipeline)
	PushConstants(offset uint32, data []byte)
	TraceRays(desc TraceRaysDesc)
}
