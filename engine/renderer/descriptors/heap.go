// Package descriptors manages the bindless descriptor heap: one global
// table per descriptor kind, indexed directly by shaders.
package descriptors

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/raylight/engine/containers"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

var ErrOutOfRange = errors.New("descriptors: slot range outside heap")

type HeapConfig struct {
	SampledImages uint32
	StorageImages uint32
	Samplers      uint32
}

// KindStats is the usage of one descriptor table.
type KindStats struct {
	InUse    int
	Pending  int
	Capacity int
}

type release struct {
	kind  rhi.DescriptorKind
	index uint32
	after rhi.FenceValue
}

type Heap struct {
	mu      sync.Mutex
	log     *core.Logger
	heap    rhi.DescriptorHeap
	free    [rhi.DescriptorKindCount]*containers.IndexFreeList[uint32]
	pending []release
}

func New(log *core.Logger, device rhi.Device, cfg HeapConfig) (*Heap, error) {
	heap, err := device.CreateDescriptorHeap(rhi.DescriptorHeapDesc{
		SampledImages: cfg.SampledImages,
		StorageImages: cfg.StorageImages,
		Samplers:      cfg.Samplers,
	})
	if err != nil {
		log.Error("failed to create descriptor heap: %s", err)
		return nil, err
	}
	h := &Heap{log: log, heap: heap}
	for k := rhi.DescriptorKind(0); k < rhi.DescriptorKindCount; k++ {
		h.free[k] = containers.NewIndexFreeList[uint32](int(heap.Capacity(k)))
	}
	log.Debug("descriptor heap: %d sampled images, %d storage images, %d samplers", cfg.SampledImages, cfg.StorageImages, cfg.Samplers)
	return h, nil
}

// Allocate returns the lowest free slot of kind.
func (h *Heap) Allocate(kind rhi.DescriptorKind) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx, err := h.free[kind].Allocate()
	if err != nil {
		return 0, fmt.Errorf("descriptors: %s: %w", kind, err)
	}
	return idx, nil
}

// Free returns a slot immediately. The caller guarantees no in-flight work
// still reads it.
func (h *Heap) Free(kind rhi.DescriptorKind, index uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.free[kind].Free(index); err != nil {
		return fmt.Errorf("descriptors: %s: %w", kind, err)
	}
	return nil
}

// Release frees a slot once after is reached. The slot stays allocated
// until a later Collect observes the fence.
func (h *Heap) Release(kind rhi.DescriptorKind, index uint32, after rhi.FenceValue) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.free[kind].IsAllocated(index) {
		return fmt.Errorf("descriptors: release %s %d: %w", kind, index, containers.ErrDoubleFree)
	}
	for _, r := range h.pending {
		if r.kind == kind && r.index == index {
			return fmt.Errorf("descriptors: %s %d already released: %w", kind, index, containers.ErrDoubleFree)
		}
	}
	h.pending = append(h.pending, release{kind: kind, index: index, after: after})
	return nil
}

// Collect frees every released slot whose fence value was reached and
// returns how many were reclaimed.
func (h *Heap) Collect() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.pending[:0]
	n := 0
	for _, r := range h.pending {
		if !r.after.Reached() {
			kept = append(kept, r)
			continue
		}
		if err := h.free[r.kind].Free(r.index); err != nil {
			h.log.Warn("descriptor %s %d released twice: %s", r.kind, r.index, err)
			continue
		}
		n++
	}
	clear(h.pending[len(kept):])
	h.pending = kept
	return n
}

func (h *Heap) checkRange(kind rhi.DescriptorKind, index uint32, n int) error {
	if uint64(index)+uint64(n) > uint64(h.heap.Capacity(kind)) {
		return fmt.Errorf("write %d %s descriptors at %d (capacity %d): %w", n, kind, index, h.heap.Capacity(kind), ErrOutOfRange)
	}
	return nil
}

func (h *Heap) WriteSampledImages(index uint32, images []rhi.Image) error {
	if err := h.checkRange(rhi.DescriptorSampledImage, index, len(images)); err != nil {
		return err
	}
	return h.heap.WriteSampledImages(index, images)
}

func (h *Heap) WriteStorageImages(index uint32, images []rhi.Image) error {
	if err := h.checkRange(rhi.DescriptorStorageImage, index, len(images)); err != nil {
		return err
	}
	return h.heap.WriteStorageImages(index, images)
}

func (h *Heap) WriteSamplers(index uint32, samplers []rhi.Sampler) error {
	if err := h.checkRange(rhi.DescriptorSampler, index, len(samplers)); err != nil {
		return err
	}
	return h.heap.WriteSamplers(index, samplers)
}

// Bind makes the heap visible to every shader recorded after it in cmd.
func (h *Heap) Bind(cmd rhi.CommandList) {
	cmd.BindDescriptorHeap(h.heap)
}

func (h *Heap) Stats() [rhi.DescriptorKindCount]KindStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out [rhi.DescriptorKindCount]KindStats
	for k, l := range h.free {
		out[k] = KindStats{InUse: l.InUse(), Capacity: l.Capacity()}
	}
	for _, r := range h.pending {
		out[r.kind].Pending++
	}
	return out
}

func (h *Heap) Destroy() {
	h.heap.Destroy()
}
