package soft

import (
	"context"
	"fmt"

	"github.com/spaghettifunk/raylight/engine/containers"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type submission struct {
	lists  []*CommandList
	wait   []rhi.FenceValue
	signal []rhi.FenceValue
	// value of the queue's own timeline signalled after this submission
	serial uint64
}

// Queue executes submissions strictly in order. A submission starts once
// all its wait values are reached; until then it blocks every submission
// behind it.
type Queue struct {
	kind     rhi.QueueKind
	dev      *Device
	pending  *containers.RingQueue[submission]
	held     bool
	timeline *Fence
}

func newQueue(d *Device, kind rhi.QueueKind) *Queue {
	return &Queue{
		kind:     kind,
		dev:      d,
		pending:  containers.NewRingQueue[submission](16),
		timeline: d.newFence(kind.String()+"-queue", 0),
	}
}

func (q *Queue) Kind() rhi.QueueKind { return q.kind }

func (q *Queue) Submit(desc rhi.SubmitDesc) error {
	if err := q.dev.checkLost(); err != nil {
		return err
	}
	s := submission{
		wait:   desc.Wait,
		signal: desc.Signal,
	}
	for _, l := range desc.Lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return fmt.Errorf("%s queue: foreign command list %T", q.kind, l)
		}
		if cl.pool.kind != q.kind {
			return fmt.Errorf("%s queue: command list allocated for the %s queue", q.kind, cl.pool.kind)
		}
		if cl.state != listExecutable {
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
	defer q.dev.sched.Unlock()
	for _, cl := range s.lists {
		cl.state = listPending
	}
	s.serial = q.timeline.Advance()
	if q.pending.IsFull() {
		q.pending.Grow()
	}
	_ = q.pending.Enqueue(s)
	q.dev.recordSubmission(q.kind)
	q.dev.pumpLocked()
	return nil
}

func (q *Queue) WaitIdle(ctx context.Context) error {
	return q.timeline.Wait(ctx, q.timeline.Current())
}

// step runs the head submission if it is ready. Must be called with the
// scheduler lock held.
func (q *Queue) step() (bool, error) {
	if q.held || q.pending.IsEmpty() {
		return false, nil
	}
	head, _ := q.pending.Peek()
	for _, w := range head.wait {
		if !w.Reached() {
			return false, nil
		}
	}
	_, _ = q.pending.Dequeue()

	var execErr error
	for _, cl := range head.lists {
		if err := cl.execute(); err != nil {
			execErr = err
			break
		}
	}
	for _, cl := range head.lists {
		cl.state = listExecutable
	}
	if execErr != nil {
		return true, execErr
	}
	for _, sv := range head.signal {
		if err := sv.Fence.(*Fence).signal(sv.Value); err != nil {
			return true, err
		}
	}
	return true, q.timeline.signal(head.serial)
}

// HoldQueue stops the queue from starting new submissions, which keeps the
// work it receives in flight until ReleaseQueue.
func (d *Device) HoldQueue(kind rhi.QueueKind) {
	d.sched.Lock()
	defer d.sched.Unlock()
	d.queues[kind].held = true
}

func (d *Device) ReleaseQueue(kind rhi.QueueKind) {
	d.sched.Lock()
	d.queues[kind].held = false
	d.pumpLocked()
	d.sched.Unlock()
}

func (d *Device) pump() {
	d.sched.Lock()
	defer d.sched.Unlock()
	d.pumpLocked()
}

func (d *Device) pumpLocked() {
	if d.lost.Load() {
		return
	}
	for progress := true; progress; {
		progress = false
		for _, q := range d.queues {
			ran, err := q.step()
			if err != nil {
				d.markLost(fmt.Errorf("%s queue: %w", q.kind, err))
				return
			}
			progress = progress || ran
		}
	}
}
