package rhi

import (
	"context"

	"github.com/google/uuid"
)

// Fence is a monotonically increasing counter signalled by queues.
type Fence interface {
	ID() uuid.UUID
	Label() string
	// Completed returns the last value signalled.
	Completed() uint64
	// Current returns the last value reserved with Advance.
	Current() uint64
	// Advance reserves and returns the next value to signal.
	Advance() uint64
	// Signal sets the counter from the host. Values never go backwards.
	Signal(v uint64) error
	// Wait blocks until Completed() >= v or ctx is done.
	Wait(ctx context.Context, v uint64) error
	Destroy()
}

// FenceValue names a point on a fence timeline.
type FenceValue struct {
	Fence Fence
	Value uint64
}

// Reached reports whether the fence has passed the value. The zero
// FenceValue is always reached.
func (v FenceValue) Reached() bool {
	return v.Fence == nil || v.Fence.Completed() >= v.Value
}

func (v FenceValue) Wait(ctx context.Context) error {
	if v.Fence == nil {
		return nil
	}
	return v.Fence.Wait(ctx, v.Value)
}

// Idle reports whether every reserved value of f has been signalled.
func Idle(f Fence) bool {
	return f.Completed() == f.Current()
}

type QueueKind uint8

const (
	QueueGraphics QueueKind = iota
	QueueCopy
)

func (k QueueKind) String() string {
	if k == QueueCopy {
		return "copy"
	}
	return "graphics"
}

// SubmitDesc describes one queue submission. The lists start executing once
// every Wait value is reached; the Signal values are set after the last
// list completes.
type SubmitDesc struct {
	Lists  []CommandList
	Wait   []FenceValue
	Signal []FenceValue
}

type Queue interface {
	Kind() QueueKind
	Submit(desc SubmitDesc) error
	WaitIdle(ctx context.Context) error
}
