package descriptors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/containers"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
	"github.com/spaghettifunk/raylight/engine/renderer/soft"
)

func newHeap(t *testing.T, cfg HeapConfig) (*soft.Device, *Heap) {
	t.Helper()
	dev := soft.New(rhi.Options{})
	h, err := New(core.NewDiscardLogger(), dev, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Destroy()
		dev.Destroy()
	})
	return dev, h
}

func TestAllocateIsPerKind(t *testing.T) {
	_, h := newHeap(t, HeapConfig{SampledImages: 2, StorageImages: 1, Samplers: 1})

	a, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	b, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	s, err := h.Allocate(rhi.DescriptorSampler)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 0}, []uint32{a, b, s})

	_, err = h.Allocate(rhi.DescriptorSampledImage)
	assert.ErrorIs(t, err, containers.ErrExhausted)

	require.NoError(t, h.Free(rhi.DescriptorSampledImage, a))
	again, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.ErrorIs(t, h.Free(rhi.DescriptorStorageImage, 0), containers.ErrDoubleFree)
}

func TestReleaseWaitsForFence(t *testing.T) {
	dev, h := newHeap(t, HeapConfig{SampledImages: 4, StorageImages: 1, Samplers: 1})
	frame, err := dev.CreateFence("frame", 0)
	require.NoError(t, err)

	idx, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	require.NoError(t, h.Release(rhi.DescriptorSampledImage, idx, rhi.FenceValue{Fence: frame, Value: 1}))

	assert.Equal(t, 0, h.Collect())
	next, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	assert.NotEqual(t, idx, next, "released slot is not reused before its fence")
	assert.Equal(t, 1, h.Stats()[rhi.DescriptorSampledImage].Pending)

	require.NoError(t, frame.Signal(1))
	assert.Equal(t, 1, h.Collect())
	st := h.Stats()[rhi.DescriptorSampledImage]
	assert.Equal(t, KindStats{InUse: 1, Pending: 0, Capacity: 4}, st)

	assert.ErrorIs(t, h.Release(rhi.DescriptorSampledImage, idx, rhi.FenceValue{}), containers.ErrDoubleFree)
}

func TestWriteRangeChecks(t *testing.T) {
	dev, h := newHeap(t, HeapConfig{SampledImages: 2, StorageImages: 1, Samplers: 1})
	img, err := dev.CreateImage(rhi.ImageDesc{Width: 1, Height: 1, Format: rhi.FormatRGBA8Unorm, Usage: rhi.ImageUsageSampled})
	require.NoError(t, err)

	require.NoError(t, h.WriteSampledImages(1, []rhi.Image{img}))
	assert.ErrorIs(t, h.WriteSampledImages(1, []rhi.Image{img, img}), ErrOutOfRange)
	assert.ErrorIs(t, h.WriteStorageImages(1, []rhi.Image{img}), ErrOutOfRange)
	smp, err := dev.CreateSampler(rhi.SamplerDesc{})
	require.NoError(t, err)
	assert.ErrorIs(t, h.WriteSamplers(3, []rhi.Sampler{smp}), ErrOutOfRange)
	require.NoError(t, h.WriteSamplers(0, []rhi.Sampler{smp}))
}

func TestReleaseTwiceIsRejected(t *testing.T) {
	dev, h := newHeap(t, HeapConfig{SampledImages: 2, StorageImages: 1, Samplers: 1})
	frame, err := dev.CreateFence("frame", 0)
	require.NoError(t, err)

	idx, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	require.NoError(t, h.Release(rhi.DescriptorSampledImage, idx, rhi.FenceValue{Fence: frame, Value: 1}))
	assert.ErrorIs(t, h.Release(rhi.DescriptorSampledImage, idx, rhi.FenceValue{Fence: frame, Value: 2}), containers.ErrDoubleFree)

	require.NoError(t, frame.Signal(1))
	assert.Equal(t, 1, h.Collect())
	owner, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	assert.Equal(t, idx, owner)

	require.NoError(t, frame.Signal(2))
	assert.Equal(t, 0, h.Collect())
	other, err := h.Allocate(rhi.DescriptorSampledImage)
	require.NoError(t, err)
	assert.NotEqual(t, owner, other, "a live slot is never handed out twice")
}
