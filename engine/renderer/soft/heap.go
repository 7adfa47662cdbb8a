package soft

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type DescriptorHeap struct {
	mu       sync.RWMutex
	sampled  []*Image
	storage  []*Image
	samplers []*Sampler
}

func (d *Device) CreateDescriptorHeap(desc rhi.DescriptorHeapDesc) (rhi.DescriptorHeap, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	d.log.Debug("descriptor heap: %d sampled, %d storage, %d samplers", desc.SampledImages, desc.StorageImages, desc.Samplers)
	return &DescriptorHeap{
		sampled:  make([]*Image, desc.SampledImages),
		storage:  make([]*Image, desc.StorageImages),
		samplers: make([]*Sampler, desc.Samplers),
	}, nil
}

func (h *DescriptorHeap) Capacity(kind rhi.DescriptorKind) uint32 {
	switch kind {
	case rhi.DescriptorSampledImage:
		return uint32(len(h.sampled))
	case rhi.DescriptorStorageImage:
		return uint32(len(h.storage))
	case rhi.DescriptorSampler:
		return uint32(len(h.samplers))
	}
	return 0
}

func writeSlots[T any, R any](table []*T, index uint32, src []R, convert func(R) (*T, bool)) error {
	if uint64(index)+uint64(len(src)) > uint64(len(table)) {
		return fmt.Errorf("write %d descriptors at %d: table holds %d", len(src), index, len(table))
	}
	for i, r := range src {
		v, ok := convert(r)
		if !ok {
			return fmt.Errorf("descriptor %d: %w", int(index)+i, errWrongDevice)
		}
		table[int(index)+i] = v
	}
	return nil
}

func asImage(i rhi.Image) (*Image, bool) {
	img, ok := i.(*Image)
	return img, ok
}

func (h *DescriptorHeap) WriteSampledImages(index uint32, images []rhi.Image) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return writeSlots(h.sampled, index, images, asImage)
}

func (h *DescriptorHeap) WriteStorageImages(index uint32, images []rhi.Image) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return writeSlots(h.storage, index, images, asImage)
}

func (h *DescriptorHeap) WriteSamplers(index uint32, samplers []rhi.Sampler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return writeSlots(h.samplers, index, samplers, func(s rhi.Sampler) (*Sampler, bool) {
		sm, ok := s.(*Sampler)
		return sm, ok
	})
}

func (h *DescriptorHeap) Destroy() {}

func (h *DescriptorHeap) sampledImage(i uint32) *Image {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(i) >= len(h.sampled) {
		return nil
	}
	return h.sampled[i]
}

func (h *DescriptorHeap) storageImage(i uint32) *Image {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(i) >= len(h.storage) {
		return nil
	}
	return h.storage[i]
}

func (h *DescriptorHeap) sampler(i uint32) *Sampler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(i) >= len(h.samplers) {
		return nil
	}
	return h.samplers[i]
}
