// Package soft is a host-memory implementation of the rhi device. Queues,
// fences and acceleration structures behave like their GPU counterparts;
// ray dispatches run the pipeline's host kernels on a bounded pool of
// goroutines.
package soft

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

const (
	BackendName = "soft"

	deviceMemoryBudget = 4 << 30
	handleSize         = 32
)

func init() {
	rhi.Register(BackendName, func(opts rhi.Options) (rhi.Device, error) {
		return New(opts), nil
	})
}

// DispatchRecord describes one executed TraceRays command.
type DispatchRecord struct {
	Width         uint32
	Height        uint32
	Depth         uint32
	PushConstants []byte
}

type Device struct {
	log     *core.Logger
	limits  rhi.Limits
	workers int
	mem     *addressSpace

	// sched serialises submission and execution across queues
	sched  sync.Mutex
	queues [2]*Queue

	lost     atomic.Bool
	lostOnce sync.Once
	lostCh   chan struct{}
	lostErrV atomic.Value

	statsMu     sync.Mutex
	dispatches  []DispatchRecord
	submissions [2]int
}

func New(opts rhi.Options) *Device {
	workers := runtime.GOMAXPROCS(0)
	if opts.Config != nil && opts.Config.Renderer.TraceWorkers > 0 {
		workers = opts.Config.Renderer.TraceWorkers
	}
	log := opts.Log
	if log == nil {
		log = core.NewDiscardLogger()
	}
	d := &Device{
		log:     log.With("soft"),
		workers: workers,
		mem:     newAddressSpace(deviceMemoryBudget),
		lostCh:  make(chan struct{}),
		limits: rhi.Limits{
			ShaderGroupHandleSize:      handleSize,
			ShaderGroupHandleAlignment: 32,
			ShaderGroupBaseAlignment:   64,
			MaxPushConstantSize:        128,
			MaxRayRecursionDepth:       31,
			MaxImageDimension:          16384,
		},
	}
	d.queues[rhi.QueueGraphics] = newQueue(d, rhi.QueueGraphics)
	d.queues[rhi.QueueCopy] = newQueue(d, rhi.QueueCopy)
	d.log.Info("software device ready (%d trace workers)", workers)
	return d
}

func (d *Device) Name() string { return "Software Ray Tracer" }
func (d *Device) Backend() string { return BackendName }

func (d *Device) Features() rhi.Features {
	return rhi.Features{
		RayTracing:          true,
		DescriptorIndexing:  true,
		BufferDeviceAddress: true,
	}
}

func (d *Device) Limits() rhi.Limits { return d.limits }

func (d *Device) Queue(kind rhi.QueueKind) rhi.Queue {
	return d.queues[kind]
}

func (d *Device) WaitIdle(ctx context.Context) error {
	for _, q := range d.queues {
		if err := q.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) Destroy() {
	d.log.Info("software device destroyed, %d bytes still allocated", d.mem.inUse())
}

// MemoryInUse returns the bytes held by live buffers and acceleration
// structures.
func (d *Device) MemoryInUse() uint64 {
	return d.mem.inUse()
}

// Dispatches returns every executed ray dispatch in execution order.
func (d *Device) Dispatches() []DispatchRecord {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	out := make([]DispatchRecord, len(d.dispatches))
	copy(out, d.dispatches)
	return out
}

// Submissions returns the number of submissions made to a queue.
func (d *Device) Submissions(kind rhi.QueueKind) int {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.submissions[kind]
}

func (d *Device) recordSubmission(kind rhi.QueueKind) {
	d.statsMu.Lock()
	d.submissions[kind]++
	d.statsMu.Unlock()
}

func (d *Device) recordDispatch(r DispatchRecord) {
	d.statsMu.Lock()
	d.dispatches = append(d.dispatches, r)
	d.statsMu.Unlock()
}

func (d *Device) markLost(cause error) {
	d.lostOnce.Do(func() {
		err := fmt.Errorf("%w: %w", rhi.ErrDeviceLost, cause)
		d.lostErrV.Store(err)
		d.lost.Store(true)
		d.log.Error(err.Error())
		close(d.lostCh)
	})
}

func (d *Device) lostErr() error {
	if err, ok := d.lostErrV.Load().(error); ok {
		return err
	}
	return rhi.ErrDeviceLost
}

func (d *Device) checkLost() error {
	if d.lost.Load() {
		return d.lostErr()
	}
	return nil
}

// IsLost reports whether a fault or execution error lost the device.
func (d *Device) IsLost() bool {
	return d.lost.Load()
}

var errWrongDevice = errors.New("object belongs to another backend")
