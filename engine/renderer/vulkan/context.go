package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

// FindMemoryIndex returns the first memory type allowed by typeFilter that
// has every bit in propertyFlags, or -1.
func (d *Device) FindMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlagBits) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		t := d.memory.MemoryTypes[i]
		t.Deref()
		if typeFilter&(1<<i) != 0 && vk.MemoryPropertyFlagBits(t.PropertyFlags)&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	d.log.Warn("Unable to find suitable memory type!")
	return -1
}

func memoryProperties(kind rhi.MemoryKind) vk.MemoryPropertyFlagBits {
	if kind == rhi.MemoryHostVisible {
		return vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}
	return vk.MemoryPropertyDeviceLocalBit
}

// allocate binds fresh memory matching reqs. The caller frees it.
func (d *Device) allocate(reqs vk.MemoryRequirements, kind rhi.MemoryKind) (vk.DeviceMemory, error) {
	reqs.Deref()
	index := d.FindMemoryIndex(reqs.MemoryTypeBits, memoryProperties(kind))
	if index < 0 {
		return vk.NullDeviceMemory, fmt.Errorf("no memory type for %d bytes: %w", reqs.Size, rhi.ErrOutOfDeviceMemory)
	}
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(index),
	}
	var mem vk.DeviceMemory
	err := d.locks.SafeCall(MemoryManagement, func() error {
		return check(vk.AllocateMemory(d.handle, &info, nil, &mem), "vkAllocateMemory")
	})
	if err != nil {
		return vk.NullDeviceMemory, err
	}
	d.allocated.Add(uint64(reqs.Size))
	return mem, nil
}

func (d *Device) free(mem vk.DeviceMemory, size vk.DeviceSize) {
	if mem == vk.NullDeviceMemory {
		return
	}
	_ = d.locks.SafeCall(MemoryManagement, func() error {
		vk.FreeMemory(d.handle, mem, nil)
		return nil
	})
	d.allocated.Add(^uint64(size - 1))
}
