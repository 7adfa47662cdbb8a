package rhi

import "github.com/google/uuid"

// DeviceAddress is a GPU virtual address. Zero is never a valid address.
type DeviceAddress uint64

type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageStorage
	BufferUsageStaging
	BufferUsageShaderBindingTable
	BufferUsageASInput
	BufferUsageASStorage
	BufferUsageTransferSrc
	BufferUsageTransferDst
)

func (u BufferUsage) Has(flag BufferUsage) bool {
	return u&flag == flag
}

type MemoryKind uint8

const (
	MemoryDeviceLocal MemoryKind = iota
	// MemoryHostVisible buffers are persistently mapped and coherent.
	MemoryHostVisible
)

type BufferDesc struct {
	Label  string
	Size   uint64
	Usage  BufferUsage
	Memory MemoryKind
}

type Buffer interface {
	ID() uuid.UUID
	Label() string
	Size() uint64
	Usage() BufferUsage
	DeviceAddress() DeviceAddress
	// Mapped returns the persistent host mapping, or nil for device-local
	// memory.
	Mapped() []byte
	Destroy()
}

type Format uint8

const (
	FormatUndefined Format = iota
	FormatRGBA8Unorm
	FormatRGBA32Float
)

func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA8Unorm:
		return 4
	case FormatRGBA32Float:
		return 16
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatRGBA8Unorm:
		return "rgba8_unorm"
	case FormatRGBA32Float:
		return "rgba32_float"
	}
	return "undefined"
}

type ImageUsage uint32

const (
	ImageUsageSampled ImageUsage = 1 << iota
	ImageUsageStorage
	ImageUsageTransferSrc
	ImageUsageTransferDst
)

func (u ImageUsage) Has(flag ImageUsage) bool {
	return u&flag == flag
}

type ImageLayout uint8

const (
	// ImageLayoutUndefined may be used as the source of any transition and
	// discards the contents.
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutGeneral
	ImageLayoutTransferDst
	ImageLayoutTransferSrc
	ImageLayoutShaderReadOnly
	ImageLayoutPresent
)

func (l ImageLayout) String() string {
	switch l {
	case ImageLayoutUndefined:
		return "undefined"
	case ImageLayoutGeneral:
		return "general"
	case ImageLayoutTransferDst:
		return "transfer_dst"
	case ImageLayoutTransferSrc:
		return "transfer_src"
	case ImageLayoutShaderReadOnly:
		return "shader_read_only"
	case ImageLayoutPresent:
		return "present"
	}
	return "unknown"
}

type ImageDesc struct {
	Label  string
	Width  uint32
	Height uint32
	Format Format
	Usage  ImageUsage
}

// Size returns the tightly packed size of the image contents in bytes.
func (d ImageDesc) Size() uint64 {
	return uint64(d.Width) * uint64(d.Height) * uint64(d.Format.BytesPerPixel())
}

type Image interface {
	ID() uuid.UUID
	Label() string
	Width() uint32
	Height() uint32
	Format() Format
	Usage() ImageUsage
	Destroy()
}

type Filter uint8

const (
	FilterNearest Filter = iota
	FilterLinear
)

type AddressMode uint8

const (
	AddressModeRepeat AddressMode = iota
	AddressModeClampToEdge
)

type SamplerDesc struct {
	Label       string
	Filter      Filter
	AddressMode AddressMode
}

type Sampler interface {
	ID() uuid.UUID
	Label() string
	Desc() SamplerDesc
	Destroy()
}

type DescriptorKind uint8

const (
	DescriptorSampledImage DescriptorKind = iota
	DescriptorStorageImage
	DescriptorSampler
	DescriptorKindCount
)

func (k DescriptorKind) String() string {
	switch k {
	case DescriptorSampledImage:
		return "sampled_image"
	case DescriptorStorageImage:
		return "storage_image"
	case DescriptorSampler:
		return "sampler"
	}
	return "unknown"
}

type DescriptorHeapDesc struct {
	SampledImages uint32
	StorageImages uint32
	Samplers      uint32
}

// DescriptorHeap is the single shader-visible bindless table. Writes take
// effect immediately on the host; the caller sequences them against
// in-flight work.
type DescriptorHeap interface {
	Capacity(kind DescriptorKind) uint32
	WriteSampledImages(index uint32, images []Image) error
	WriteStorageImages(index uint32, images []Image) error
	WriteSamplers(index uint32, samplers []Sampler) error
	Destroy()
}
