package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type CommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY CommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

func (s CommandBufferState) String() string {
	switch s {
	case COMMAND_BUFFER_STATE_READY:
		return "ready"
	case COMMAND_BUFFER_STATE_RECORDING:
		return "recording"
	case COMMAND_BUFFER_STATE_RECORDING_ENDED:
		return "recording ended"
	case COMMAND_BUFFER_STATE_SUBMITTED:
		return "submitted"
	}
	return "not allocated"
}

type CommandPool struct {
	kind   rhi.QueueKind
	dev    *Device
	handle vk.CommandPool
	lists  []*CommandList
}

func (d *Device) CreateCommandPool(kind rhi.QueueKind) (rhi.CommandPool, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.queues[kind].family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	p := &CommandPool{kind: kind, dev: d}
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		return check(vk.CreateCommandPool(d.handle, &info, nil, &p.handle), "vkCreateCommandPool")
	})
	if err != nil {
		return nil, fmt.Errorf("%s command pool: %w", kind, err)
	}
	return p, nil
}

func (p *CommandPool) Kind() rhi.QueueKind { return p.kind }

func (p *CommandPool) Allocate() (rhi.CommandList, error) {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.handle,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	buffers := make([]vk.CommandBuffer, 1)
	err := p.dev.locks.SafeCall(CommandPoolManagement, func() error {
		return check(vk.AllocateCommandBuffers(p.dev.handle, &info, buffers), "vkAllocateCommandBuffers")
	})
	if err != nil {
		p.dev.log.Error("failed to allocate command buffer: %s", err)
		return nil, err
	}
	l := &CommandList{pool: p, handle: buffers[0], state: COMMAND_BUFFER_STATE_READY}
	p.lists = append(p.lists, l)
	return l, nil
}

// Reset returns every list of the pool to the ready state. None of them
// may still be executing.
func (p *CommandPool) Reset() error {
	p.dev.sched.Lock()
	defer p.dev.sched.Unlock()
	for _, l := range p.lists {
		if l.state == COMMAND_BUFFER_STATE_SUBMITTED {
			return fmt.Errorf("%s pool reset while a command list is pending", p.kind)
		}
	}
	for _, l := range p.lists {
		if err := l.reset(); err != nil {
			return err
		}
	}
	return nil
}

func (p *CommandPool) Destroy() {
	if p.handle == vk.NullCommandPool {
		return
	}
	_ = p.dev.locks.SafeCall(CommandPoolManagement, func() error {
		for _, l := range p.lists {
			vk.FreeCommandBuffers(p.dev.handle, p.handle, 1, []vk.CommandBuffer{l.handle})
			l.handle = nil
			l.state = COMMAND_BUFFER_STATE_NOT_ALLOCATED
		}
		vk.DestroyCommandPool(p.dev.handle, p.handle, nil)
		return nil
	})
	p.lists = nil
	p.handle = vk.NullCommandPool
}

// CommandList records straight into its VkCommandBuffer. Commands the
// device cannot express are remembered and reported by End.
type CommandList struct {
	pool   *CommandPool
	handle vk.CommandBuffer
	state  CommandBufferState
	err    error
}

func (l *CommandList) reset() error {
	if l.state == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return fmt.Errorf("reset of a freed command list")
	}
	if err := check(vk.ResetCommandBuffer(l.handle, 0), "vkResetCommandBuffer"); err != nil {
		return err
	}
	l.state = COMMAND_BUFFER_STATE_READY
	l.err = nil
	return nil
}

func (l *CommandList) Begin() error {
	switch l.state {
	case COMMAND_BUFFER_STATE_SUBMITTED:
		return fmt.Errorf("begin on a pending command list")
	case COMMAND_BUFFER_STATE_NOT_ALLOCATED:
		return fmt.Errorf("begin on a freed command list")
	}
	l.err = nil
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := check(vk.BeginCommandBuffer(l.handle, &info), "vkBeginCommandBuffer"); err != nil {
		l.pool.dev.log.Error("failed to begin command buffer: %s", err)
		return err
	}
	l.state = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (l *CommandList) End() error {
	if l.state != COMMAND_BUFFER_STATE_RECORDING {
		return fmt.Errorf("end on a command list in state %s", l.state)
	}
	if err := check(vk.EndCommandBuffer(l.handle), "vkEndCommandBuffer"); err != nil {
		l.pool.dev.log.Error("failed to end command buffer: %s", err)
		l.state = COMMAND_BUFFER_STATE_READY
		return err
	}
	if l.err != nil {
		l.state = COMMAND_BUFFER_STATE_READY
		return l.err
	}
	l.state = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (l *CommandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *CommandList) recording() bool {
	if l.state != COMMAND_BUFFER_STATE_RECORDING {
		l.fail(fmt.Errorf("command recorded outside Begin/End"))
		return false
	}
	return true
}

func (l *CommandList) CopyBuffer(src rhi.Buffer, srcOffset uint64, dst rhi.Buffer, dstOffset uint64, size uint64) {
	if !l.recording() {
		return
	}
	s, ok1 := src.(*Buffer)
	d, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		l.fail(fmt.Errorf("copy between foreign buffers %T and %T", src, dst))
		return
	}
	if srcOffset+size > s.Size() || dstOffset+size > d.Size() {
		l.fail(fmt.Errorf("copy of %d bytes from %s+%d to %s+%d out of range", size, s.Label(), srcOffset, d.Label(), dstOffset))
		return
	}
	region := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(l.handle, s.handle, d.handle, 1, []vk.BufferCopy{region})
}

func imageCopy(img *Image, offset uint64) vk.BufferImageCopy {
	return vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(offset),
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		ImageOffset: vk.Offset3D{X: 0, Y: 0, Z: 0},
		ImageExtent: vk.Extent3D{
			Width:  img.desc.Width,
			Height: img.desc.Height,
			Depth:  1,
		},
	}
}

func (l *CommandList) CopyBufferToImage(src rhi.Buffer, srcOffset uint64, dst rhi.Image) {
	if !l.recording() {
		return
	}
	s, ok1 := src.(*Buffer)
	d, ok2 := dst.(*Image)
	if !ok1 || !ok2 {
		l.fail(fmt.Errorf("copy from foreign buffer %T to image %T", src, dst))
		return
	}
	if srcOffset+d.desc.Size() > s.Size() {
		l.fail(fmt.Errorf("copy of image %s reads past buffer %s", d.Label(), s.Label()))
		return
	}
	vk.CmdCopyBufferToImage(l.handle, s.handle, d.handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{imageCopy(d, srcOffset)})
}

func (l *CommandList) CopyImageToBuffer(src rhi.Image, dst rhi.Buffer, dstOffset uint64) {
	if !l.recording() {
		return
	}
	s, ok1 := src.(*Image)
	d, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		l.fail(fmt.Errorf("copy from foreign image %T to buffer %T", src, dst))
		return
	}
	if dstOffset+s.desc.Size() > d.Size() {
		l.fail(fmt.Errorf("copy of image %s writes past buffer %s", s.Label(), d.Label()))
		return
	}
	vk.CmdCopyImageToBuffer(l.handle, s.handle, vk.ImageLayoutTransferSrcOptimal, d.handle, 1, []vk.BufferImageCopy{imageCopy(s, dstOffset)})
}

// TransitionImage issues a full memory barrier across all stages.
func (l *CommandList) TransitionImage(image rhi.Image, from, to rhi.ImageLayout) {
	if !l.recording() {
		return
	}
	img, ok := image.(*Image)
	if !ok {
		l.fail(fmt.Errorf("transition of foreign image %T", image))
		return
	}
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           imageLayout(from),
		NewLayout:           imageLayout(to),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.handle,
		SubresourceRange:    colorRange,
		SrcAccessMask:       vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
	}
	stages := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	vk.CmdPipelineBarrier(
		l.handle,
		stages, stages,
		0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{barrier},
	)
}

func (l *CommandList) unsupported(what string) {
	if l.recording() {
		l.fail(fmt.Errorf("%s: %w", what, rhi.ErrUnsupported))
	}
}

func (l *CommandList) BuildAccelerationStructure(rhi.AccelerationStructure) {
	l.unsupported("build acceleration structure")
}

func (l *CommandList) BindDescriptorHeap(rhi.DescriptorHeap) {
	l.unsupported("bind descriptor heap")
}

func (l *CommandList) BindPipeline(rhi.Pipeline) {
	l.unsupported("bind ray tracing pipeline")
}

func (l *CommandList) PushConstants(offset uint32, data []byte) {
	l.unsupported("push constants without a pipeline layout")
}

func (l *CommandList) TraceRays(rhi.TraceRaysDesc) {
	l.unsupported("trace rays")
}
