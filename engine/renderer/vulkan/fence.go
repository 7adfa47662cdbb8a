package vulkan

import (
	"context"
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

// Fence is a host timeline. Queue workers signal it once the VkFence of a
// submission has been waited on.
type Fence struct {
	id        uuid.UUID
	label     string
	dev       *Device
	mu        sync.Mutex
	completed uint64
	current   uint64
	changed   chan struct{}
}

func (d *Device) CreateFence(label string, initial uint64) (rhi.Fence, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	return d.newFence(label, initial), nil
}

func (d *Device) newFence(label string, initial uint64) *Fence {
	return &Fence{
		id:        uuid.New(),
		label:     label,
		dev:       d,
		completed: initial,
		current:   initial,
		changed:   make(chan struct{}),
	}
}

func (f *Fence) ID() uuid.UUID { return f.id }
func (f *Fence) Label() string { return f.label }

func (f *Fence) Completed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *Fence) Current() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fence) Advance() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current++
	return f.current
}

func (f *Fence) Signal(v uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v < f.completed {
		return fmt.Errorf("fence %s: signal %d behind completed value %d", f.label, v, f.completed)
	}
	f.completed = v
	if v > f.current {
		f.current = v
	}
	close(f.changed)
	f.changed = make(chan struct{})
	return nil
}

func (f *Fence) Wait(ctx context.Context, v uint64) error {
	for {
		f.mu.Lock()
		if f.completed >= v {
			f.mu.Unlock()
			return nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-f.dev.lostCh:
			return fmt.Errorf("fence %s: wait for %d: %w", f.label, v, f.dev.lostErr())
		case <-ctx.Done():
			return fmt.Errorf("fence %s: wait for %d: %w", f.label, v, ctx.Err())
		}
	}
}

func (f *Fence) Destroy() {}

// hostFence wraps the binary VkFence a queue worker waits on after each
// submission.
type hostFence struct {
	dev    *Device
	handle vk.Fence
}

func (d *Device) newHostFence() (*hostFence, error) {
	info := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	var handle vk.Fence
	if err := check(vk.CreateFence(d.handle, &info, nil, &handle), "vkCreateFence"); err != nil {
		return nil, err
	}
	return &hostFence{dev: d, handle: handle}, nil
}

// wait blocks until the submission guarded by the fence retires, then
// resets it for the next one.
func (hf *hostFence) wait() error {
	res := vk.WaitForFences(hf.dev.handle, 1, []vk.Fence{hf.handle}, vk.True, vk.MaxUint64)
	if err := check(res, "vkWaitForFences"); err != nil {
		return err
	}
	return check(vk.ResetFences(hf.dev.handle, 1, []vk.Fence{hf.handle}), "vkResetFences")
}

func (hf *hostFence) destroy() {
	if hf.handle != vk.NullFence {
		vk.DestroyFence(hf.dev.handle, hf.handle, nil)
		hf.handle = vk.NullFence
	}
}
