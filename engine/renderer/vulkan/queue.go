package vulkan

import (
	"context"
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type submission struct {
	lists  []*CommandList
	wait   []rhi.FenceValue
	signal []rhi.FenceValue
	serial uint64
}

// Queue hands submissions to a worker goroutine in order. The worker waits
// for the host timelines, submits to the VkQueue and signals once the
// submission's VkFence has retired.
type Queue struct {
	kind     rhi.QueueKind
	dev      *Device
	handle   vk.Queue
	family   uint32
	mu       sync.Mutex
	work     chan submission
	closed   bool
	timeline *Fence
	fence    *hostFence
	stopped  chan struct{}
}

func (d *Device) newQueue(kind rhi.QueueKind, family uint32) (*Queue, error) {
	q := &Queue{
		kind:     kind,
		dev:      d,
		family:   family,
		work:     make(chan submission, 64),
		timeline: d.newFence(kind.String()+"-queue", 0),
		stopped:  make(chan struct{}),
	}
	vk.GetDeviceQueue(d.handle, family, 0, &q.handle)
	d.locks.SetQueueFamily(family)
	fence, err := d.newHostFence()
	if err != nil {
		return nil, err
	}
	q.fence = fence
	go q.run()
	return q, nil
}

func (q *Queue) Kind() rhi.QueueKind { return q.kind }

func (q *Queue) Submit(desc rhi.SubmitDesc) error {
	if err := q.dev.checkLost(); err != nil {
		return err
	}
	s := submission{wait: desc.Wait, signal: desc.Signal}
	for _, l := range desc.Lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return fmt.Errorf("%s queue: foreign command list %T", q.kind, l)
		}
		if cl.pool.kind != q.kind {
			return fmt.Errorf("%s queue: command list allocated for the %s queue", q.kind, cl.pool.kind)
		}
		if cl.state != COMMAND_BUFFER_STATE_RECORDING_ENDED {
			return fmt.Errorf("%s queue: command list is not ended (state %s)", q.kind, cl.state)
		}
		s.lists = append(s.lists, cl)
	}
	for _, fv := range desc.Wait {
		if _, ok := fv.Fence.(*Fence); fv.Fence != nil && !ok {
			return fmt.Errorf("%s queue: foreign wait fence %T", q.kind, fv.Fence)
		}
	}
	for _, fv := range desc.Signal {
		if _, ok := fv.Fence.(*Fence); !ok {
			return fmt.Errorf("%s queue: foreign signal fence %T", q.kind, fv.Fence)
		}
	}

	q.dev.sched.Lock()
	for _, cl := range s.lists {
		cl.state = COMMAND_BUFFER_STATE_SUBMITTED
	}
	q.dev.sched.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%s queue: submit after destroy", q.kind)
	}
	s.serial = q.timeline.Advance()
	q.work <- s
	return nil
}

func (q *Queue) WaitIdle(ctx context.Context) error {
	return q.timeline.Wait(ctx, q.timeline.Current())
}

func (q *Queue) run() {
	defer close(q.stopped)
	for s := range q.work {
		if q.dev.isLost() {
			continue
		}
		if err := q.execute(s); err != nil {
			q.dev.markLost(fmt.Errorf("%s queue: %w", q.kind, err))
		}
	}
}

func (q *Queue) execute(s submission) error {
	for _, w := range s.wait {
		if err := w.Wait(context.Background()); err != nil {
			return err
		}
	}
	handles := make([]vk.CommandBuffer, len(s.lists))
	for i, cl := range s.lists {
		handles[i] = cl.handle
	}
	info := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(handles)),
		PCommandBuffers:    handles,
	}
	err := q.dev.locks.SafeQueueCall(q.family, func() error {
		return check(vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{info}, q.fence.handle), "vkQueueSubmit")
	})
	if err != nil {
		return err
	}
	if err := q.fence.wait(); err != nil {
		return err
	}

	q.dev.sched.Lock()
	for _, cl := range s.lists {
		cl.state = COMMAND_BUFFER_STATE_RECORDING_ENDED
	}
	q.dev.sched.Unlock()
	for _, sv := range s.signal {
		if err := sv.Fence.Signal(sv.Value); err != nil {
			return err
		}
	}
	return q.timeline.Signal(s.serial)
}

// close stops accepting work and waits for the worker to drain.
func (q *Queue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
	q.mu.Unlock()
	<-q.stopped
	if q.fence != nil {
		q.fence.destroy()
	}
}
