package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type Buffer struct {
	id     uuid.UUID
	dev    *Device
	desc   rhi.BufferDesc
	handle vk.Buffer
	memory vk.DeviceMemory
	size   vk.DeviceSize
	mapped []byte
}

func bufferUsage(u rhi.BufferUsage) vk.BufferUsageFlagBits {
	var flags vk.BufferUsageFlagBits
	if u.Has(rhi.BufferUsageVertex) {
		flags |= vk.BufferUsageVertexBufferBit | vk.BufferUsageStorageBufferBit
	}
	if u.Has(rhi.BufferUsageIndex) {
		flags |= vk.BufferUsageIndexBufferBit | vk.BufferUsageStorageBufferBit
	}
	if u.Has(rhi.BufferUsageStorage) || u.Has(rhi.BufferUsageASInput) || u.Has(rhi.BufferUsageASStorage) || u.Has(rhi.BufferUsageShaderBindingTable) {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if u.Has(rhi.BufferUsageStaging) || u.Has(rhi.BufferUsageTransferSrc) {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if u.Has(rhi.BufferUsageStaging) || u.Has(rhi.BufferUsageTransferDst) {
		flags |= vk.BufferUsageTransferDstBit
	}
	return flags
}

func (d *Device) CreateBuffer(desc rhi.BufferDesc) (rhi.Buffer, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %s: zero size", desc.Label)
	}
	b := &Buffer{id: uuid.New(), dev: d, desc: desc}
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       vk.BufferUsageFlags(bufferUsage(desc.Usage)),
		SharingMode: vk.SharingModeExclusive,
	}
	if err := check(vk.CreateBuffer(d.handle, &info, nil, &b.handle), "vkCreateBuffer"); err != nil {
		return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.handle, b.handle, &reqs)
	reqs.Deref()
	mem, err := d.allocate(reqs, desc.Memory)
	if err != nil {
		vk.DestroyBuffer(d.handle, b.handle, nil)
		return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
	}
	b.memory = mem
	b.size = reqs.Size
	if err := check(vk.BindBufferMemory(d.handle, b.handle, b.memory, 0), "vkBindBufferMemory"); err != nil {
		b.Destroy()
		return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
	}

	if desc.Memory == rhi.MemoryHostVisible {
		var ptr unsafe.Pointer
		if err := check(vk.MapMemory(d.handle, b.memory, 0, vk.DeviceSize(desc.Size), 0, &ptr), "vkMapMemory"); err != nil {
			b.Destroy()
			return nil, fmt.Errorf("buffer %s: %w", desc.Label, err)
		}
		b.mapped = unsafe.Slice((*byte)(ptr), desc.Size)
	}
	return b, nil
}

func (b *Buffer) ID() uuid.UUID { return b.id }
func (b *Buffer) Label() string { return b.desc.Label }
func (b *Buffer) Size() uint64 { return b.desc.Size }
func (b *Buffer) Usage() rhi.BufferUsage { return b.desc.Usage }
func (b *Buffer) Mapped() []byte { return b.mapped }

// DeviceAddress is always zero: the bindings expose no buffer device
// address entry points.
func (b *Buffer) DeviceAddress() rhi.DeviceAddress { return 0 }

func (b *Buffer) Destroy() {
	if b.handle == vk.NullBuffer {
		return
	}
	if b.mapped != nil {
		vk.UnmapMemory(b.dev.handle, b.memory)
		b.mapped = nil
	}
	vk.DestroyBuffer(b.dev.handle, b.handle, nil)
	b.dev.free(b.memory, b.size)
	b.handle = vk.NullBuffer
	b.memory = vk.NullDeviceMemory
}
