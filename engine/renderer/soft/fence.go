package soft

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

// Fence is a timeline counter. Waiters block on a channel that is closed
// and replaced on every signal.
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

// Signal sets the counter from the host and lets queued work that waited on
// it run.
func (f *Fence) Signal(v uint64) error {
	if err := f.signal(v); err != nil {
		return err
	}
	f.dev.pump()
	return nil
}

func (f *Fence) signal(v uint64) error {
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
