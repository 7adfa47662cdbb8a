package soft

import (
	"fmt"
	"slices"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type listState uint8

const (
	listInitial listState = iota
	listRecording
	listExecutable
	listPending
)

func (s listState) String() string {
	switch s {
	case listInitial:
		return "initial"
	case listRecording:
		return "recording"
	case listExecutable:
		return "executable"
	case listPending:
		return "pending"
	}
	return "unknown"
}

type CommandPool struct {
	kind  rhi.QueueKind
	dev   *Device
	lists []*CommandList
}

func (d *Device) CreateCommandPool(kind rhi.QueueKind) (rhi.CommandPool, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	return &CommandPool{kind: kind, dev: d}, nil
}

func (p *CommandPool) Kind() rhi.QueueKind { return p.kind }

func (p *CommandPool) Allocate() (rhi.CommandList, error) {
	l := &CommandList{pool: p}
	p.lists = append(p.lists, l)
	return l, nil
}

func (p *CommandPool) Reset() error {
	p.dev.sched.Lock()
	defer p.dev.sched.Unlock()
	for _, l := range p.lists {
		if l.state == listPending {
			return fmt.Errorf("%s pool reset while a command list is pending", p.kind)
		}
	}
	for _, l := range p.lists {
		l.reset()
	}
	return nil
}

func (p *CommandPool) Destroy() {
	p.lists = nil
}

// command runs at execution time against the list's execution state.
type command func(s *execState) error

// execState is the binding state of one executing command list.
type execState struct {
	dev      *Device
	heap     *DescriptorHeap
	pipeline *Pipeline
	push     []byte
}

type CommandList struct {
	pool  *CommandPool
	state listState
	cmds  []command
	err   error
}

func (l *CommandList) reset() {
	l.state = listInitial
	l.cmds = l.cmds[:0]
	l.err = nil
}

func (l *CommandList) Begin() error {
	if l.state == listPending {
		return fmt.Errorf("begin on a pending command list")
	}
	l.reset()
	l.state = listRecording
	return nil
}

func (l *CommandList) End() error {
	if l.state != listRecording {
		return fmt.Errorf("end on a command list in state %s", l.state)
	}
	if l.err != nil {
		l.state = listInitial
		return l.err
	}
	l.state = listExecutable
	return nil
}

func (l *CommandList) fail(format string, args ...any) {
	if l.err == nil {
		l.err = fmt.Errorf(format, args...)
	}
}

func (l *CommandList) record(c command) {
	if l.state != listRecording {
		l.fail("command recorded outside Begin/End")
		return
	}
	l.cmds = append(l.cmds, c)
}

func (l *CommandList) execute() error {
	s := &execState{dev: l.pool.dev, push: make([]byte, l.pool.dev.limits.MaxPushConstantSize)}
	for i, c := range l.cmds {
		if err := c(s); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	return nil
}

func (l *CommandList) CopyBuffer(src rhi.Buffer, srcOffset uint64, dst rhi.Buffer, dstOffset uint64, size uint64) {
	sb, ok1 := src.(*Buffer)
	db, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		l.fail("copy buffer: %w", errWrongDevice)
		return
	}
	if srcOffset+size > sb.Size() || dstOffset+size > db.Size() {
		l.fail("copy buffer: %d bytes from %s+%d to %s+%d out of range", size, sb.Label(), srcOffset, db.Label(), dstOffset)
		return
	}
	l.record(func(s *execState) error {
		from, err := sb.bytes()
		if err != nil {
			return err
		}
		to, err := db.bytes()
		if err != nil {
			return err
		}
		copy(to[dstOffset:dstOffset+size], from[srcOffset:srcOffset+size])
		return nil
	})
}

func (l *CommandList) CopyBufferToImage(src rhi.Buffer, srcOffset uint64, dst rhi.Image) {
	sb, ok1 := src.(*Buffer)
	img, ok2 := dst.(*Image)
	if !ok1 || !ok2 {
		l.fail("copy buffer to image: %w", errWrongDevice)
		return
	}
	size := img.desc.Size()
	if srcOffset+size > sb.Size() {
		l.fail("copy buffer to image: %d bytes from %s+%d out of range", size, sb.Label(), srcOffset)
		return
	}
	l.record(func(s *execState) error {
		if img.layout != rhi.ImageLayoutTransferDst {
			return fmt.Errorf("copy to image %s in layout %s", img.Label(), img.layout)
		}
		from, err := sb.bytes()
		if err != nil {
			return err
		}
		copy(img.pixels, from[srcOffset:srcOffset+size])
		return nil
	})
}

func (l *CommandList) CopyImageToBuffer(src rhi.Image, dst rhi.Buffer, dstOffset uint64) {
	img, ok1 := src.(*Image)
	db, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		l.fail("copy image to buffer: %w", errWrongDevice)
		return
	}
	size := img.desc.Size()
	if dstOffset+size > db.Size() {
		l.fail("copy image to buffer: %d bytes to %s+%d out of range", size, db.Label(), dstOffset)
		return
	}
	l.record(func(s *execState) error {
		if img.layout != rhi.ImageLayoutTransferSrc {
			return fmt.Errorf("copy from image %s in layout %s", img.Label(), img.layout)
		}
		to, err := db.bytes()
		if err != nil {
			return err
		}
		copy(to[dstOffset:dstOffset+size], img.pixels)
		return nil
	})
}

func (l *CommandList) TransitionImage(image rhi.Image, from, to rhi.ImageLayout) {
	img, ok := image.(*Image)
	if !ok {
		l.fail("transition: %w", errWrongDevice)
		return
	}
	l.record(func(s *execState) error {
		if img.destroyed.Load() {
			return fmt.Errorf("transition of destroyed image %s", img.Label())
		}
		if from != rhi.ImageLayoutUndefined && img.layout != from {
			return fmt.Errorf("transition %s: image is in %s, not %s", img.Label(), img.layout, from)
		}
		if from == rhi.ImageLayoutUndefined {
			clear(img.pixels)
		}
		img.layout = to
		return nil
	})
}

func (l *CommandList) BuildAccelerationStructure(as rhi.AccelerationStructure) {
	a, ok := as.(*AccelerationStructure)
	if !ok {
		l.fail("build: %w", errWrongDevice)
		return
	}
	l.record(func(s *execState) error {
		return a.build()
	})
}

func (l *CommandList) BindDescriptorHeap(heap rhi.DescriptorHeap) {
	h, ok := heap.(*DescriptorHeap)
	if !ok {
		l.fail("bind heap: %w", errWrongDevice)
		return
	}
	l.record(func(s *execState) error {
		s.heap = h
		return nil
	})
}

func (l *CommandList) BindPipeline(p rhi.Pipeline) {
	pl, ok := p.(*Pipeline)
	if !ok {
		l.fail("bind pipeline: %w", errWrongDevice)
		return
	}
	l.record(func(s *execState) error {
		s.pipeline = pl
		return nil
	})
}

func (l *CommandList) PushConstants(offset uint32, data []byte) {
	if int(offset)+len(data) > int(l.pool.dev.limits.MaxPushConstantSize) {
		l.fail("push constants: %d bytes at %d exceed %d", len(data), offset, l.pool.dev.limits.MaxPushConstantSize)
		return
	}
	// the data is captured at record time, like vkCmdPushConstants
	data = slices.Clone(data)
	l.record(func(s *execState) error {
		copy(s.push[offset:], data)
		return nil
	})
}

func (l *CommandList) TraceRays(desc rhi.TraceRaysDesc) {
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		l.fail("trace rays: empty dispatch %dx%dx%d", desc.Width, desc.Height, desc.Depth)
		return
	}
	l.record(func(s *execState) error {
		return s.dispatch(desc)
	})
}
