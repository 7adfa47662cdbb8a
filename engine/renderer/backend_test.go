package renderer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/renderer/descriptors"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
	"github.com/spaghettifunk/raylight/engine/renderer/soft"
	"github.com/spaghettifunk/raylight/engine/renderer/transfer"
	"github.com/spaghettifunk/raylight/engine/renderer/vulkan"
)

// openBackend opens a registered device, skipping backends the host
// cannot run.
func openBackend(t *testing.T, name string) rhi.Device {
	t.Helper()
	device, err := rhi.Open(name, rhi.Options{AppName: "conformance"})
	if err != nil {
		if name == soft.BackendName {
			require.NoError(t, err)
		}
		t.Skipf("%s backend unavailable: %s", name, err)
	}
	t.Cleanup(device.Destroy)
	return device
}

func forEachBackend(t *testing.T, fn func(t *testing.T, device rhi.Device)) {
	for _, name := range []string{soft.BackendName, vulkan.BackendName} {
		t.Run(name, func(t *testing.T) {
			fn(t, openBackend(t, name))
		})
	}
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBackendBufferUpload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, device rhi.Device) {
		m, err := transfer.New(core.NewDiscardLogger(), device, transfer.Config{StagingSize: 1 << 12})
		require.NoError(t, err)
		defer m.Destroy()

		dst, err := device.CreateBuffer(rhi.BufferDesc{Label: "host", Size: 64, Usage: rhi.BufferUsageTransferDst, Memory: rhi.MemoryHostVisible})
		require.NoError(t, err)
		defer dst.Destroy()

		payload := bytes.Repeat([]byte{0xab, 0x01}, 8)
		require.NoError(t, m.UploadBytes(dst, payload, 16))
		done, err := m.Execute()
		require.NoError(t, err)
		require.NoError(t, done.Wait(timeout(t)))
		assert.True(t, done.Reached())
		assert.Equal(t, payload, dst.Mapped()[16:32])

		again, err := m.Execute()
		require.NoError(t, err)
		assert.Equal(t, done, again, "nothing queued")
	})
}

func TestBackendImageRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, device rhi.Device) {
		m, err := transfer.New(core.NewDiscardLogger(), device, transfer.Config{StagingSize: 1 << 12})
		require.NoError(t, err)
		defer m.Destroy()

		pixels := make([]byte, 4*3*4)
		for i := range pixels {
			pixels[i] = byte(i * 5)
		}
		img, err := m.CreateImage(pixels, rhi.ImageDesc{
			Label:  "albedo",
			Width:  4,
			Height: 3,
			Format: rhi.FormatRGBA8Unorm,
			Usage:  rhi.ImageUsageTransferSrc,
		})
		require.NoError(t, err)
		defer img.Destroy()
		_, err = m.Execute()
		require.NoError(t, err)
		require.NoError(t, m.Wait(timeout(t)))

		got, err := m.Readback(timeout(t), img, rhi.ImageLayoutShaderReadOnly)
		require.NoError(t, err)
		assert.Equal(t, pixels, got)
	})
}

func TestBackendDescriptorWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, device rhi.Device) {
		heap, err := descriptors.New(core.NewDiscardLogger(), device, descriptors.HeapConfig{SampledImages: 4, StorageImages: 2, Samplers: 2})
		require.NoError(t, err)
		defer heap.Destroy()

		sampled, err := device.CreateImage(rhi.ImageDesc{Label: "sampled", Width: 2, Height: 2, Format: rhi.FormatRGBA8Unorm, Usage: rhi.ImageUsageSampled})
		require.NoError(t, err)
		defer sampled.Destroy()
		storage, err := device.CreateImage(rhi.ImageDesc{Label: "storage", Width: 2, Height: 2, Format: rhi.FormatRGBA8Unorm, Usage: rhi.ImageUsageStorage})
		require.NoError(t, err)
		defer storage.Destroy()
		sampler, err := device.CreateSampler(rhi.SamplerDesc{Label: "linear"})
		require.NoError(t, err)
		defer sampler.Destroy()

		slot, err := heap.Allocate(rhi.DescriptorSampledImage)
		require.NoError(t, err)
		require.NoError(t, heap.WriteSampledImages(slot, []rhi.Image{sampled}))
		require.NoError(t, heap.WriteStorageImages(1, []rhi.Image{storage}))
		require.NoError(t, heap.WriteSamplers(0, []rhi.Sampler{sampler}))
		assert.ErrorIs(t, heap.WriteSampledImages(3, []rhi.Image{sampled, sampled}), descriptors.ErrOutOfRange)

		// slots 1..3 were never written and the heap is still usable
		next, err := heap.Allocate(rhi.DescriptorSampledImage)
		require.NoError(t, err)
		require.NoError(t, heap.WriteSampledImages(next, []rhi.Image{sampled}))
		assert.Equal(t, 2, heap.Stats()[rhi.DescriptorSampledImage].InUse)
	})
}

func TestBackendFenceSignalAndWait(t *testing.T) {
	forEachBackend(t, func(t *testing.T, device rhi.Device) {
		fence, err := device.CreateFence("timeline", 0)
		require.NoError(t, err)
		defer fence.Destroy()

		ctx := timeout(t)
		waited := make(chan error, 1)
		go func() { waited <- fence.Wait(ctx, 2) }()
		require.NoError(t, fence.Signal(1))
		select {
		case err := <-waited:
			t.Fatalf("wait returned early: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
		require.NoError(t, fence.Signal(2))
		require.NoError(t, <-waited)
		assert.Equal(t, uint64(2), fence.Completed())

		v := rhi.FenceValue{Fence: fence, Value: 2}
		assert.True(t, v.Reached())
		require.NoError(t, v.Wait(timeout(t)))

		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, fence.Wait(canceled, 3), context.Canceled)
	})
}
