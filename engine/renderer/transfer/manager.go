// Package transfer moves host data into device memory. Writes are staged in
// a persistently mapped ring and batched into one copy-queue submission per
// Execute.
package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/raylight/engine/containers"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

var (
	ErrOutOfBounds = errors.New("transfer: write outside destination bounds")
	ErrDestroyed   = errors.New("transfer: manager destroyed")
)

// stagingAlignment keeps every staged region aligned for any element type.
const stagingAlignment = 16

type Config struct {
	StagingSize uint64
}

// batch is one copy-queue submission and the staging bytes it consumes.
type batch struct {
	pool   rhi.CommandPool
	cmd    rhi.CommandList
	value  uint64
	end    uint64
	copies int
	temps  []rhi.Buffer
}

type Manager struct {
	mu      sync.Mutex
	log     *core.Logger
	device  rhi.Device
	queue   rhi.Queue
	fence   rhi.Fence
	staging rhi.Buffer
	size    uint64

	// head and tail are byte positions in the ring; head-tail bytes are
	// owned by recorded or in-flight batches.
	head uint64
	tail uint64

	current  *batch
	inFlight *containers.RingQueue[*batch]
	spare    []*batch
	last     rhi.FenceValue

	destroyed bool
}

func New(log *core.Logger, device rhi.Device, cfg Config) (*Manager, error) {
	if cfg.StagingSize == 0 {
		err := fmt.Errorf("transfer: staging size must be > 0")
		log.Error(err.Error())
		return nil, err
	}
	staging, err := device.CreateBuffer(rhi.BufferDesc{
		Label:  "staging ring",
		Size:   cfg.StagingSize,
		Usage:  rhi.BufferUsageStaging | rhi.BufferUsageTransferSrc,
		Memory: rhi.MemoryHostVisible,
	})
	if err != nil {
		log.Error("failed to create staging ring of %d bytes: %s", cfg.StagingSize, err)
		return nil, err
	}
	fence, err := device.CreateFence("transfer", 0)
	if err != nil {
		staging.Destroy()
		log.Error("failed to create transfer fence: %s", err)
		return nil, err
	}
	m := &Manager{
		log:      log,
		device:   device,
		queue:    device.Queue(rhi.QueueCopy),
		fence:    fence,
		staging:  staging,
		size:     cfg.StagingSize,
		inFlight: containers.NewRingQueue[*batch](8),
	}
	m.last = rhi.FenceValue{Fence: fence, Value: fence.Completed()}
	log.Debug("transfer manager created with a %d byte staging ring", cfg.StagingSize)
	return m, nil
}

// CreateBuffer allocates device-local memory that can be the destination of
// uploads. Nothing is copied.
func (m *Manager) CreateBuffer(label string, size uint64, usage rhi.BufferUsage) (rhi.Buffer, error) {
	b, err := m.device.CreateBuffer(rhi.BufferDesc{
		Label:  label,
		Size:   size,
		Usage:  usage | rhi.BufferUsageTransferDst,
		Memory: rhi.MemoryDeviceLocal,
	})
	if err != nil {
		m.log.Error("failed to create buffer %s (%d bytes): %s", label, size, err)
		return nil, err
	}
	return b, nil
}

// UploadBufferData queues a copy of elements into dst starting at element
// elementOffset. Elements are encoded little-endian with their Go layout, so
// T must be a fixed-size type.
func UploadBufferData[T any](m *Manager, dst rhi.Buffer, elements []T, elementOffset int) error {
	var zero T
	stride := binary.Size(zero)
	if stride <= 0 {
		return fmt.Errorf("transfer: %T has no fixed size", zero)
	}
	if elementOffset < 0 {
		return fmt.Errorf("upload at element %d: %w", elementOffset, ErrOutOfBounds)
	}
	data, err := binary.Append(make([]byte, 0, stride*len(elements)), binary.LittleEndian, elements)
	if err != nil {
		return fmt.Errorf("transfer: encode %T: %w", zero, err)
	}
	return m.UploadBytes(dst, data, uint64(elementOffset*stride))
}

// UploadBytes queues a copy of data into dst at offset.
func (m *Manager) UploadBytes(dst rhi.Buffer, data []byte, offset uint64) error {
	n := uint64(len(data))
	if offset+n > dst.Size() || offset+n < offset {
		return fmt.Errorf("upload %d bytes at %d into %s (%d bytes): %w", n, offset, dst.Label(), dst.Size(), ErrOutOfBounds)
	}
	if n == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src, srcOffset, err := m.stage(data)
	if err != nil {
		return err
	}
	m.current.cmd.CopyBuffer(src, srcOffset, dst, offset, n)
	m.current.copies++
	return nil
}

// CreateImage allocates a sampled image and queues the upload of its
// pixels. The image is in the shader read-only layout once the batch
// completes.
func (m *Manager) CreateImage(pixels []byte, desc rhi.ImageDesc) (rhi.Image, error) {
	if want := desc.Size(); uint64(len(pixels)) != want {
		return nil, fmt.Errorf("image %s: %d pixel bytes for a %dx%d %s image (want %d)", desc.Label, len(pixels), desc.Width, desc.Height, desc.Format, want)
	}
	desc.Usage |= rhi.ImageUsageSampled | rhi.ImageUsageTransferDst
	img, err := m.device.CreateImage(desc)
	if err != nil {
		m.log.Error("failed to create image %s: %s", desc.Label, err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src, srcOffset, err := m.stage(pixels)
	if err != nil {
		img.Destroy()
		return nil, err
	}
	cmd := m.current.cmd
	cmd.TransitionImage(img, rhi.ImageLayoutUndefined, rhi.ImageLayoutTransferDst)
	cmd.CopyBufferToImage(src, srcOffset, img)
	cmd.TransitionImage(img, rhi.ImageLayoutTransferDst, rhi.ImageLayoutShaderReadOnly)
	m.current.copies++
	return img, nil
}

// stage copies data into staging memory owned by the current batch and
// returns where it landed. Must be called with m.mu held.
func (m *Manager) stage(data []byte) (rhi.Buffer, uint64, error) {
	if m.destroyed {
		return nil, 0, ErrDestroyed
	}
	n := uint64(len(data))
	if n > m.size {
		if err := m.begin(); err != nil {
			return nil, 0, err
		}
		tmp, err := m.device.CreateBuffer(rhi.BufferDesc{
			Label:  "staging overflow",
			Size:   n,
			Usage:  rhi.BufferUsageStaging | rhi.BufferUsageTransferSrc,
			Memory: rhi.MemoryHostVisible,
		})
		if err != nil {
			m.log.Error("failed to create %d byte overflow staging buffer: %s", n, err)
			return nil, 0, err
		}
		copy(tmp.Mapped(), data)
		m.current.temps = append(m.current.temps, tmp)
		m.log.Debug("upload of %d bytes exceeds the staging ring, using a temporary buffer", n)
		return tmp, 0, nil
	}

	offset, err := m.reserve(n)
	if err != nil {
		return nil, 0, err
	}
	if err := m.begin(); err != nil {
		return nil, 0, err
	}
	copy(m.staging.Mapped()[offset:offset+n], data)
	return m.staging, offset, nil
}

// reserve claims n contiguous ring bytes, flushing and waiting on in-flight
// batches until they fit.
func (m *Manager) reserve(n uint64) (uint64, error) {
	aligned := math.AlignUp(n, stagingAlignment)
	for {
		m.retire()
		if m.current == nil && m.inFlight.IsEmpty() {
			m.head, m.tail = 0, 0
		}
		pos := m.head % m.size
		skip := uint64(0)
		if pos+n > m.size {
			// regions never wrap; the tail of the ring is wasted instead
			skip = m.size - pos
			pos = 0
		}
		if m.head-m.tail+skip+n <= m.size {
			m.head += skip + aligned
			return pos, nil
		}
		if err := m.backPressure(); err != nil {
			return 0, err
		}
	}
}

// backPressure frees ring space: the open batch is submitted and the caller
// blocks on the oldest in-flight batch.
func (m *Manager) backPressure() error {
	if m.current != nil && m.current.copies > 0 {
		if _, err := m.submit(nil); err != nil {
			return err
		}
	}
	oldest, err := m.inFlight.Peek()
	if err != nil {
		return fmt.Errorf("transfer: staging ring exhausted with nothing in flight")
	}
	m.log.Debug("staging ring full, waiting for transfer batch %d", oldest.value)
	if err := m.fence.Wait(context.Background(), oldest.value); err != nil {
		m.log.Error("waiting for transfer batch %d failed: %s", oldest.value, err)
		return err
	}
	return nil
}

// begin opens a batch if none is recording.
func (m *Manager) begin() error {
	if m.current != nil {
		return nil
	}
	var b *batch
	if n := len(m.spare); n > 0 {
		b = m.spare[n-1]
		m.spare = m.spare[:n-1]
	} else {
		pool, err := m.device.CreateCommandPool(rhi.QueueCopy)
		if err != nil {
			m.log.Error("failed to create transfer command pool: %s", err)
			return err
		}
		cmd, err := pool.Allocate()
		if err != nil {
			pool.Destroy()
			m.log.Error("failed to allocate transfer command list: %s", err)
			return err
		}
		b = &batch{pool: pool, cmd: cmd}
	}
	if err := b.cmd.Begin(); err != nil {
		m.spare = append(m.spare, b)
		return err
	}
	m.current = b
	return nil
}

// retire recycles every in-flight batch whose fence value was reached.
func (m *Manager) retire() {
	for !m.inFlight.IsEmpty() {
		b, _ := m.inFlight.Peek()
		if m.fence.Completed() < b.value {
			return
		}
		_, _ = m.inFlight.Dequeue()
		m.tail = b.end
		for _, t := range b.temps {
			t.Destroy()
		}
		b.temps = b.temps[:0]
		b.copies = 0
		if err := b.pool.Reset(); err != nil {
			m.log.Warn("dropping transfer command pool: %s", err)
			b.pool.Destroy()
			continue
		}
		m.spare = append(m.spare, b)
	}
}

// Execute submits every queued copy as one command list on the copy queue.
// The batch signals the manager fence and every value in signal once all
// its copies completed. With nothing queued and nothing to signal it
// returns the last submitted value.
func (m *Manager) Execute(signal ...rhi.FenceValue) (rhi.FenceValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return rhi.FenceValue{}, ErrDestroyed
	}
	if (m.current == nil || m.current.copies == 0) && len(signal) == 0 {
		return m.last, nil
	}
	if err := m.begin(); err != nil {
		return rhi.FenceValue{}, err
	}
	return m.submit(signal)
}

func (m *Manager) submit(signal []rhi.FenceValue) (rhi.FenceValue, error) {
	b := m.current
	m.current = nil
	if err := b.cmd.End(); err != nil {
		m.log.Error("transfer batch recording failed: %s", err)
		m.discard(b)
		return rhi.FenceValue{}, err
	}
	b.value = m.fence.Advance()
	b.end = m.head
	own := rhi.FenceValue{Fence: m.fence, Value: b.value}
	err := m.queue.Submit(rhi.SubmitDesc{
		Lists:  []rhi.CommandList{b.cmd},
		Signal: append([]rhi.FenceValue{own}, signal...),
	})
	if err != nil {
		m.log.Error("transfer submission %d failed: %s", b.value, err)
		m.discard(b)
		return rhi.FenceValue{}, err
	}
	if m.inFlight.IsFull() {
		m.inFlight.Grow()
	}
	_ = m.inFlight.Enqueue(b)
	m.last = own
	m.log.Debug("submitted transfer batch %d (%d copies)", b.value, b.copies)
	return own, nil
}

// discard drops a batch that never reached the queue.
func (m *Manager) discard(b *batch) {
	for _, t := range b.temps {
		t.Destroy()
	}
	b.pool.Destroy()
}

// Fence is the copy-queue timeline. Every Execute advances it by one.
func (m *Manager) Fence() rhi.Fence {
	return m.fence
}

// Pending returns the number of uploads recorded since the last Execute.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return m.current.copies
}

// InFlight returns the number of submitted batches not yet retired.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retire()
	return m.inFlight.Len()
}

// Wait blocks until the last submitted batch completed.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if err := last.Wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.retire()
	m.mu.Unlock()
	return nil
}

// Readback copies a whole image into host memory. The image must be idle
// and in layout; it is returned to that layout afterwards.
func (m *Manager) Readback(ctx context.Context, img rhi.Image, layout rhi.ImageLayout) ([]byte, error) {
	size := rhi.ImageDesc{Width: img.Width(), Height: img.Height(), Format: img.Format()}.Size()
	dst, err := m.device.CreateBuffer(rhi.BufferDesc{
		Label:  "readback",
		Size:   size,
		Usage:  rhi.BufferUsageTransferDst,
		Memory: rhi.MemoryHostVisible,
	})
	if err != nil {
		m.log.Error("failed to create readback buffer for %s: %s", img.Label(), err)
		return nil, err
	}
	defer dst.Destroy()

	m.mu.Lock()
	if err := m.begin(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cmd := m.current.cmd
	cmd.TransitionImage(img, layout, rhi.ImageLayoutTransferSrc)
	cmd.CopyImageToBuffer(img, dst, 0)
	cmd.TransitionImage(img, rhi.ImageLayoutTransferSrc, layout)
	m.current.copies++
	done, err := m.submit(nil)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := done.Wait(ctx); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, dst.Mapped())
	return out, nil
}

// Destroy waits for outstanding batches and releases the staging ring.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	if err := m.last.Wait(context.Background()); err != nil {
		m.log.Warn("transfer manager destroyed with work in flight: %s", err)
	}
	m.retire()
	if m.current != nil {
		_ = m.current.cmd.End()
		m.discard(m.current)
		m.current = nil
	}
	for !m.inFlight.IsEmpty() {
		b, _ := m.inFlight.Dequeue()
		m.discard(b)
	}
	for _, b := range m.spare {
		b.pool.Destroy()
	}
	m.spare = nil
	m.staging.Destroy()
	m.fence.Destroy()
}
