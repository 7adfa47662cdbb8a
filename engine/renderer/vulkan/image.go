package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type Image struct {
	id     uuid.UUID
	dev    *Device
	desc   rhi.ImageDesc
	handle vk.Image
	view   vk.ImageView
	memory vk.DeviceMemory
	size   vk.DeviceSize
}

func imageFormat(f rhi.Format) vk.Format {
	switch f {
	case rhi.FormatRGBA8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case rhi.FormatRGBA32Float:
		return vk.FormatR32g32b32a32Sfloat
	}
	return vk.FormatUndefined
}

func imageUsage(u rhi.ImageUsage) vk.ImageUsageFlagBits {
	var flags vk.ImageUsageFlagBits
	if u.Has(rhi.ImageUsageSampled) {
		flags |= vk.ImageUsageSampledBit
	}
	if u.Has(rhi.ImageUsageStorage) {
		flags |= vk.ImageUsageStorageBit
	}
	if u.Has(rhi.ImageUsageTransferSrc) {
		flags |= vk.ImageUsageTransferSrcBit
	}
	if u.Has(rhi.ImageUsageTransferDst) {
		flags |= vk.ImageUsageTransferDstBit
	}
	return flags
}

func imageLayout(l rhi.ImageLayout) vk.ImageLayout {
	switch l {
	case rhi.ImageLayoutGeneral:
		return vk.ImageLayoutGeneral
	case rhi.ImageLayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case rhi.ImageLayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case rhi.ImageLayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case rhi.ImageLayoutPresent:
		// offscreen targets have no swapchain; present means readable by
		// transfers
		return vk.ImageLayoutTransferSrcOptimal
	}
	return vk.ImageLayoutUndefined
}

var colorRange = vk.ImageSubresourceRange{
	AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
	BaseMipLevel:   0,
	LevelCount:     1,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

func (d *Device) CreateImage(desc rhi.ImageDesc) (rhi.Image, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	format := imageFormat(desc.Format)
	if format == vk.FormatUndefined || desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("image %s: invalid %dx%d %s", desc.Label, desc.Width, desc.Height, desc.Format)
	}
	if limit := d.limits.MaxImageDimension; desc.Width > limit || desc.Height > limit {
		return nil, fmt.Errorf("image %s: %dx%d exceeds %d", desc.Label, desc.Width, desc.Height, limit)
	}
	img := &Image{id: uuid.New(), dev: d, desc: desc}
	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         vk.ImageUsageFlags(imageUsage(desc.Usage)),
		SharingMode:   vk.SharingModeExclusive,
		Samples:       vk.SampleCount1Bit,
	}
	if err := check(vk.CreateImage(d.handle, &info, nil, &img.handle), "vkCreateImage"); err != nil {
		return nil, fmt.Errorf("image %s: %w", desc.Label, err)
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.handle, img.handle, &reqs)
	reqs.Deref()
	mem, err := d.allocate(reqs, rhi.MemoryDeviceLocal)
	if err != nil {
		vk.DestroyImage(d.handle, img.handle, nil)
		return nil, fmt.Errorf("image %s: %w", desc.Label, err)
	}
	img.memory = mem
	img.size = reqs.Size
	if err := check(vk.BindImageMemory(d.handle, img.handle, img.memory, 0), "vkBindImageMemory"); err != nil {
		img.Destroy()
		return nil, fmt.Errorf("image %s: %w", desc.Label, err)
	}

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.handle,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: colorRange,
	}
	if err := check(vk.CreateImageView(d.handle, &viewInfo, nil, &img.view), "vkCreateImageView"); err != nil {
		img.Destroy()
		return nil, fmt.Errorf("image %s: %w", desc.Label, err)
	}
	return img, nil
}

func (i *Image) ID() uuid.UUID { return i.id }
func (i *Image) Label() string { return i.desc.Label }
func (i *Image) Width() uint32 { return i.desc.Width }
func (i *Image) Height() uint32 { return i.desc.Height }
func (i *Image) Format() rhi.Format { return i.desc.Format }
func (i *Image) Usage() rhi.ImageUsage { return i.desc.Usage }

func (i *Image) Destroy() {
	if i.handle == vk.NullImage {
		return
	}
	if i.view != vk.NullImageView {
		vk.DestroyImageView(i.dev.handle, i.view, nil)
		i.view = vk.NullImageView
	}
	vk.DestroyImage(i.dev.handle, i.handle, nil)
	i.dev.free(i.memory, i.size)
	i.handle = vk.NullImage
	i.memory = vk.NullDeviceMemory
}

type Sampler struct {
	id     uuid.UUID
	dev    *Device
	desc   rhi.SamplerDesc
	handle vk.Sampler
}

func (d *Device) CreateSampler(desc rhi.SamplerDesc) (rhi.Sampler, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	filter := vk.FilterNearest
	if desc.Filter == rhi.FilterLinear {
		filter = vk.FilterLinear
	}
	mode := vk.SamplerAddressModeRepeat
	if desc.AddressMode == rhi.AddressModeClampToEdge {
		mode = vk.SamplerAddressModeClampToEdge
	}
	s := &Sampler{id: uuid.New(), dev: d, desc: desc}
	info := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               filter,
		MinFilter:               filter,
		AddressModeU:            mode,
		AddressModeV:            mode,
		AddressModeW:            mode,
		AnisotropyEnable:        vk.False,
		MaxAnisotropy:           1,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
		CompareEnable:           vk.False,
		MipmapMode:              vk.SamplerMipmapModeLinear,
	}
	if err := check(vk.CreateSampler(d.handle, &info, nil, &s.handle), "vkCreateSampler"); err != nil {
		return nil, fmt.Errorf("sampler %s: %w", desc.Label, err)
	}
	return s, nil
}

func (s *Sampler) ID() uuid.UUID { return s.id }
func (s *Sampler) Label() string { return s.desc.Label }
func (s *Sampler) Desc() rhi.SamplerDesc { return s.desc }

func (s *Sampler) Destroy() {
	if s.handle == vk.NullSampler {
		return
	}
	vk.DestroySampler(s.dev.handle, s.handle, nil)
	s.handle = vk.NullSampler
}
