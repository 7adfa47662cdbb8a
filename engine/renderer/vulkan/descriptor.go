package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

// binding locations of the bindless set
const (
	bindingSampledImages uint32 = iota
	bindingStorageImages
	bindingSamplers
)

// DescriptorHeap is a single descriptor set holding one array per
// descriptor kind.
type DescriptorHeap struct {
	dev      *Device
	capacity [rhi.DescriptorKindCount]uint32
	layout   vk.DescriptorSetLayout
	pool     vk.DescriptorPool
	set      vk.DescriptorSet
}

func (d *Device) CreateDescriptorHeap(desc rhi.DescriptorHeapDesc) (rhi.DescriptorHeap, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	h := &DescriptorHeap{dev: d}
	h.capacity[rhi.DescriptorSampledImage] = desc.SampledImages
	h.capacity[rhi.DescriptorStorageImage] = desc.StorageImages
	h.capacity[rhi.DescriptorSampler] = desc.Samplers
	for kind, n := range h.capacity {
		if n == 0 {
			return nil, fmt.Errorf("descriptor heap: zero %s capacity", rhi.DescriptorKind(kind))
		}
	}

	stages := vk.ShaderStageFlags(vk.ShaderStageAll)
	binds := []vk.DescriptorSetLayoutBinding{
		{Binding: bindingSampledImages, DescriptorType: vk.DescriptorTypeSampledImage, DescriptorCount: desc.SampledImages, StageFlags: stages},
		{Binding: bindingStorageImages, DescriptorType: vk.DescriptorTypeStorageImage, DescriptorCount: desc.StorageImages, StageFlags: stages},
		{Binding: bindingSamplers, DescriptorType: vk.DescriptorTypeSampler, DescriptorCount: desc.Samplers, StageFlags: stages},
	}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(binds)),
		PBindings:    binds,
	}
	var poolFlags vk.DescriptorPoolCreateFlags
	if d.features.DescriptorIndexing {
		// slots past the live range stay unwritten and are filled while the set is bound
		flags := vk.DescriptorBindingFlags(vk.DescriptorBindingPartiallyBoundBit | vk.DescriptorBindingUpdateAfterBindBit)
		bindingFlags := &vk.DescriptorSetLayoutBindingFlagsCreateInfo{
			SType:         vk.StructureTypeDescriptorSetLayoutBindingFlagsCreateInfo,
			BindingCount:  uint32(len(binds)),
			PBindingFlags: []vk.DescriptorBindingFlags{flags, flags, flags},
		}
		defer bindingFlags.Free()
		ref, _ := bindingFlags.PassRef()
		layoutInfo.PNext = unsafe.Pointer(ref)
		layoutInfo.Flags = vk.DescriptorSetLayoutCreateFlags(vk.DescriptorSetLayoutCreateUpdateAfterBindPoolBit)
		poolFlags = vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateUpdateAfterBindBit)
	}
	err := d.locks.SafeCall(ResourceManagement, func() error {
		return check(vk.CreateDescriptorSetLayout(d.handle, &layoutInfo, nil, &h.layout), "vkCreateDescriptorSetLayout")
	})
	if err != nil {
		return nil, fmt.Errorf("descriptor heap: %w", err)
	}

	pools := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: desc.SampledImages},
		{Type: vk.DescriptorTypeStorageImage, DescriptorCount: desc.StorageImages},
		{Type: vk.DescriptorTypeSampler, DescriptorCount: desc.Samplers},
	}
	err = d.locks.SafeCall(ResourceManagement, func() error {
		return check(vk.CreateDescriptorPool(d.handle, &vk.DescriptorPoolCreateInfo{
			SType:         vk.StructureTypeDescriptorPoolCreateInfo,
			Flags:         poolFlags,
			MaxSets:       1,
			PoolSizeCount: uint32(len(pools)),
			PPoolSizes:    pools,
		}, nil, &h.pool), "vkCreateDescriptorPool")
	})
	if err != nil {
		h.Destroy()
		return nil, fmt.Errorf("descriptor heap: %w", err)
	}

	err = d.locks.SafeCall(ResourceManagement, func() error {
		return check(vk.AllocateDescriptorSets(d.handle, &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     h.pool,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{h.layout},
		}, &h.set), "vkAllocateDescriptorSets")
	})
	if err != nil {
		h.Destroy()
		return nil, fmt.Errorf("descriptor heap: %w", err)
	}
	return h, nil
}

func (h *DescriptorHeap) Capacity(kind rhi.DescriptorKind) uint32 {
	if kind >= rhi.DescriptorKindCount {
		return 0
	}
	return h.capacity[kind]
}

func (h *DescriptorHeap) checkRange(kind rhi.DescriptorKind, index uint32, n int) error {
	if uint64(index)+uint64(n) > uint64(h.capacity[kind]) {
		return fmt.Errorf("write of %d %s descriptors at %d exceeds capacity %d", n, kind, index, h.capacity[kind])
	}
	return nil
}

func (h *DescriptorHeap) write(binding uint32, index uint32, typ vk.DescriptorType, infos []vk.DescriptorImageInfo) {
	if len(infos) == 0 {
		return
	}
	wd := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.set,
		DstBinding:      binding,
		DstArrayElement: index,
		DescriptorCount: uint32(len(infos)),
		DescriptorType:  typ,
		PImageInfo:      infos,
	}
	_ = h.dev.locks.SafeCall(ResourceManagement, func() error {
		vk.UpdateDescriptorSets(h.dev.handle, 1, []vk.WriteDescriptorSet{wd}, 0, nil)
		return nil
	})
}

func (h *DescriptorHeap) images(kind rhi.DescriptorKind, index uint32, images []rhi.Image, layout vk.ImageLayout) ([]vk.DescriptorImageInfo, error) {
	if err := h.checkRange(kind, index, len(images)); err != nil {
		return nil, err
	}
	infos := make([]vk.DescriptorImageInfo, len(images))
	for i, img := range images {
		vi, ok := img.(*Image)
		if !ok {
			return nil, fmt.Errorf("%s descriptor %d: foreign image %T", kind, index+uint32(i), img)
		}
		infos[i] = vk.DescriptorImageInfo{ImageLayout: layout, ImageView: vi.view}
	}
	return infos, nil
}

func (h *DescriptorHeap) WriteSampledImages(index uint32, images []rhi.Image) error {
	infos, err := h.images(rhi.DescriptorSampledImage, index, images, vk.ImageLayoutShaderReadOnlyOptimal)
	if err != nil {
		return err
	}
	h.write(bindingSampledImages, index, vk.DescriptorTypeSampledImage, infos)
	return nil
}

func (h *DescriptorHeap) WriteStorageImages(index uint32, images []rhi.Image) error {
	infos, err := h.images(rhi.DescriptorStorageImage, index, images, vk.ImageLayoutGeneral)
	if err != nil {
		return err
	}
	h.write(bindingStorageImages, index, vk.DescriptorTypeStorageImage, infos)
	return nil
}

func (h *DescriptorHeap) WriteSamplers(index uint32, samplers []rhi.Sampler) error {
	if err := h.checkRange(rhi.DescriptorSampler, index, len(samplers)); err != nil {
		return err
	}
	infos := make([]vk.DescriptorImageInfo, len(samplers))
	for i, s := range samplers {
		vs, ok := s.(*Sampler)
		if !ok {
			return fmt.Errorf("sampler descriptor %d: foreign sampler %T", index+uint32(i), s)
		}
		infos[i] = vk.DescriptorImageInfo{Sampler: vs.handle}
	}
	h.write(bindingSamplers, index, vk.DescriptorTypeSampler, infos)
	return nil
}

func (h *DescriptorHeap) Destroy() {
	_ = h.dev.locks.SafeCall(ResourceManagement, func() error {
		if h.pool != vk.NullDescriptorPool {
			vk.DestroyDescriptorPool(h.dev.handle, h.pool, nil)
			h.pool = vk.NullDescriptorPool
		}
		if h.layout != vk.NullDescriptorSetLayout {
			vk.DestroyDescriptorSetLayout(h.dev.handle, h.layout, nil)
			h.layout = vk.NullDescriptorSetLayout
		}
		return nil
	})
}
