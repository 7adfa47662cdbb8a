package soft

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type Buffer struct {
	id        uuid.UUID
	desc      rhi.BufferDesc
	alloc     *allocation
	dev       *Device
	destroyed atomic.Bool
}

func (d *Device) CreateBuffer(desc rhi.BufferDesc) (rhi.Buffer, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q: size must be non zero", desc.Label)
	}
	b := &Buffer{id: uuid.New(), desc: desc, dev: d}
	a, err := d.mem.alloc(desc.Size, b)
	if err != nil {
		err = fmt.Errorf("buffer %q: %w", desc.Label, err)
		d.log.Error(err.Error())
		return nil, err
	}
	b.alloc = a
	d.log.Debug("created buffer %s (%s) size=%d at 0x%x", desc.Label, b.id, desc.Size, a.base)
	return b, nil
}

func (b *Buffer) ID() uuid.UUID { return b.id }
func (b *Buffer) Label() string { return b.desc.Label }
func (b *Buffer) Size() uint64 { return b.desc.Size }
func (b *Buffer) Usage() rhi.BufferUsage { return b.desc.Usage }
func (b *Buffer) DeviceAddress() rhi.DeviceAddress {
	return rhi.DeviceAddress(b.alloc.base)
}

func (b *Buffer) Mapped() []byte {
	if b.desc.Memory != rhi.MemoryHostVisible {
		return nil
	}
	return b.alloc.data[:b.desc.Size]
}

func (b *Buffer) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.dev.mem.free(b.alloc)
}

// bytes is the device-side view used by command execution.
func (b *Buffer) bytes() ([]byte, error) {
	if b.destroyed.Load() {
		return nil, fmt.Errorf("buffer %q used after destroy", b.desc.Label)
	}
	return b.alloc.data[:b.desc.Size], nil
}

type Image struct {
	id        uuid.UUID
	desc      rhi.ImageDesc
	pixels    []byte
	layout    rhi.ImageLayout
	destroyed atomic.Bool
}

func (d *Device) CreateImage(desc rhi.ImageDesc) (rhi.Image, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 || desc.Format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("image %q: invalid extent %dx%d or format %s", desc.Label, desc.Width, desc.Height, desc.Format)
	}
	if desc.Width > d.limits.MaxImageDimension || desc.Height > d.limits.MaxImageDimension {
		return nil, fmt.Errorf("image %q: extent %dx%d exceeds %d", desc.Label, desc.Width, desc.Height, d.limits.MaxImageDimension)
	}
	img := &Image{
		id:     uuid.New(),
		desc:   desc,
		pixels: make([]byte, desc.Size()),
		layout: rhi.ImageLayoutUndefined,
	}
	d.log.Debug("created image %s (%s) %dx%d %s", desc.Label, img.id, desc.Width, desc.Height, desc.Format)
	return img, nil
}

func (i *Image) ID() uuid.UUID { return i.id }
func (i *Image) Label() string { return i.desc.Label }
func (i *Image) Width() uint32 { return i.desc.Width }
func (i *Image) Height() uint32 { return i.desc.Height }
func (i *Image) Format() rhi.Format { return i.desc.Format }
func (i *Image) Usage() rhi.ImageUsage { return i.desc.Usage }
func (i *Image) Destroy() { i.destroyed.Store(true) }

// Layout returns the layout the image was left in by the last executed
// command.
func (i *Image) Layout() rhi.ImageLayout {
	return i.layout
}

type Sampler struct {
	id   uuid.UUID
	desc rhi.SamplerDesc
}

func (d *Device) CreateSampler(desc rhi.SamplerDesc) (rhi.Sampler, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	return &Sampler{id: uuid.New(), desc: desc}, nil
}

func (s *Sampler) ID() uuid.UUID { return s.id }
func (s *Sampler) Label() string { return s.desc.Label }
func (s *Sampler) Desc() rhi.SamplerDesc { return s.desc }
func (s *Sampler) Destroy() {}
