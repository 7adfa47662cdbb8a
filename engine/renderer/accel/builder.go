// Package accel records bottom and top level acceleration structure inputs
// and turns them into device builds. Only one build is in flight at a time.
package accel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/raylight/engine/containers"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

var (
	ErrNonAffine       = errors.New("accel: instance transform is not affine")
	ErrUnknownBLAS     = errors.New("accel: unknown bottom level structure")
	ErrUnknownGeometry = errors.New("accel: unknown geometry")
	ErrUnknownInstance = errors.New("accel: unknown instance")
	ErrBlasSealed      = errors.New("accel: bottom level structure already built")
	ErrBlasInUse       = errors.New("accel: bottom level structure is still instanced")
	ErrBuildInFlight   = errors.New("accel: previous build has not completed")
)

type State uint8

const (
	StateIdle State = iota
	StateAccumulating
	StateBuilding
	StateBuilt
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	}
	return "idle"
}

// VertexRange locates tightly or loosely packed float32 positions.
type VertexRange struct {
	Buffer rhi.Buffer
	Offset uint64
	Stride uint32
	Count  uint32
}

// IndexRange locates uint32 triangle indices.
type IndexRange struct {
	Buffer rhi.Buffer
	Offset uint64
}

type blas struct {
	label      string
	geometries []rhi.TriangleGeometry
	as         rhi.AccelerationStructure
}

type BlasID = containers.Handle[blas]

type GeometryID struct {
	BLAS  BlasID
	Index uint32
}

// InstanceID is the position of an instance in the top level structure.
type InstanceID uint32

type instance struct {
	blas      BlasID
	transform math.Mat4
	index     uint32
	hitGroup  uint32
	mask      uint8
	flags     rhi.InstanceFlags
}

type retired struct {
	as    rhi.AccelerationStructure
	buf   rhi.Buffer
	after rhi.FenceValue
}

// recordedBuild is what the last Build changed, kept until its fence is
// known so an unsubmitted build can be dropped.
type recordedBuild struct {
	blases   []BlasID
	tlas     rhi.AccelerationStructure
	previous rhi.AccelerationStructure
}

const minInstanceCapacity = 16

type Builder struct {
	mu     sync.Mutex
	log    *core.Logger
	device rhi.Device

	blases    *containers.Registry[blas]
	instances []instance

	instanceBuf rhi.Buffer
	tlas        rhi.AccelerationStructure
	dirty       bool
	building    bool
	buildFence  rhi.FenceValue
	recorded    *recordedBuild
	retired     []retired
}

func NewBuilder(log *core.Logger, device rhi.Device) *Builder {
	return &Builder{
		log:    log,
		device: device,
		blases: containers.NewRegistry[blas](),
	}
}

// CreateBLAS reserves an empty bottom level structure. No device work is
// recorded until Build.
func (b *Builder) CreateBLAS(label string) BlasID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blases.Insert(blas{label: label})
}

// RemoveBLAS drops a bottom level structure that no instance refers to.
// A built structure is destroyed once the next build fence is reached.
func (b *Builder) RemoveBLAS(id BlasID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, ok := b.blases.Lookup(id)
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrUnknownBLAS)
	}
	for _, inst := range b.instances {
		if inst.blas == id {
			return fmt.Errorf("remove %s: %w", bl.label, ErrBlasInUse)
		}
	}
	if bl.as != nil {
		b.retired = append(b.retired, retired{as: bl.as})
	}
	return b.blases.Return(id)
}

// AddGeometry appends an indexed triangle list to a BLAS that has not been
// built yet. Opaque geometry skips any-hit shaders.
func (b *Builder) AddGeometry(id BlasID, vertices VertexRange, indices IndexRange, indexCount uint32, opaque bool) (GeometryID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, ok := b.blases.Lookup(id)
	if !ok {
		return GeometryID{}, fmt.Errorf("add geometry to %s: %w", id, ErrUnknownBLAS)
	}
	if bl.as != nil {
		return GeometryID{}, fmt.Errorf("add geometry to %s: %w", bl.label, ErrBlasSealed)
	}
	if indexCount == 0 || indexCount%3 != 0 {
		return GeometryID{}, fmt.Errorf("add geometry to %s: index count %d is not a triangle list", bl.label, indexCount)
	}
	bl.geometries = append(bl.geometries, rhi.TriangleGeometry{
		Vertices:     vertices.Buffer,
		VertexOffset: vertices.Offset,
		VertexStride: vertices.Stride,
		VertexCount:  vertices.Count,
		Indices:      indices.Buffer,
		IndexOffset:  indices.Offset,
		IndexCount:   indexCount,
		Opaque:       opaque,
	})
	return GeometryID{BLAS: id, Index: uint32(len(bl.geometries) - 1)}, nil
}

// AddInstance places a BLAS in the scene. instanceIndex is exposed to
// shaders as the custom index and hitGroupIndex is the binding table offset
// of the instance. Instances keep insertion order.
func (b *Builder) AddInstance(id BlasID, geometry GeometryID, transform math.Mat4, instanceIndex, hitGroupIndex uint32) (InstanceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, ok := b.blases.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("add instance of %s: %w", id, ErrUnknownBLAS)
	}
	if geometry.BLAS != id || int(geometry.Index) >= len(bl.geometries) {
		return 0, fmt.Errorf("add instance of %s with geometry %d: %w", bl.label, geometry.Index, ErrUnknownGeometry)
	}
	if !transform.IsAffine() {
		return 0, ErrNonAffine
	}
	if instanceIndex > 0xFFFFFF || hitGroupIndex > 0xFFFFFF {
		return 0, fmt.Errorf("add instance of %s: index %d or hit group %d exceeds 24 bits", bl.label, instanceIndex, hitGroupIndex)
	}
	b.instances = append(b.instances, instance{
		blas:      id,
		transform: transform,
		index:     instanceIndex,
		hitGroup:  hitGroupIndex,
		mask:      0xFF,
	})
	b.dirty = true
	return InstanceID(len(b.instances) - 1), nil
}

// TruncateInstances drops every instance from n on. Ids below n are kept.
func (b *Builder) TruncateInstances(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n >= len(b.instances) {
		return
	}
	clear(b.instances[n:])
	b.instances = b.instances[:n]
	b.dirty = true
}

// UpdateInstanceTransform moves an instance. The change is visible after
// the next Build.
func (b *Builder) UpdateInstanceTransform(id InstanceID, transform math.Mat4) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(id) >= len(b.instances) {
		return fmt.Errorf("update instance %d: %w", id, ErrUnknownInstance)
	}
	if !transform.IsAffine() {
		return ErrNonAffine
	}
	if b.instances[id].transform != transform {
		b.instances[id].transform = transform
		b.dirty = true
	}
	return nil
}

// Build records the build of every pending BLAS followed by the TLAS into
// cmd and returns the new TLAS. The previous TLAS stays valid for work
// already submitted and is destroyed once the new build fence is reached.
func (b *Builder) Build(cmd rhi.CommandList) (rhi.AccelerationStructure, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready() {
		return nil, ErrBuildInFlight
	}
	b.collect()

	var pending []*blas
	var ids []BlasID
	var failed error
	b.blases.ForEach(func(id BlasID, bl *blas) {
		if bl.as != nil || len(bl.geometries) == 0 || failed != nil {
			return
		}
		as, err := b.device.CreateAccelerationStructure(rhi.AccelerationStructureDesc{
			Label:      bl.label,
			Kind:       rhi.BottomLevel,
			Geometries: bl.geometries,
		})
		if err != nil {
			failed = fmt.Errorf("blas %s: %w", bl.label, err)
			return
		}
		bl.as = as
		pending = append(pending, bl)
		ids = append(ids, id)
	})
	// nothing was recorded yet, so a failure rolls the new BLAS back
	undo := func(err error) (rhi.AccelerationStructure, error) {
		for _, bl := range pending {
			bl.as.Destroy()
			bl.as = nil
		}
		b.log.Error("acceleration structure build failed: %s", err)
		return nil, err
	}
	if failed != nil {
		return undo(failed)
	}
	if err := b.writeInstances(); err != nil {
		return undo(err)
	}
	tlas, err := b.device.CreateAccelerationStructure(rhi.AccelerationStructureDesc{
		Label:         "scene tlas",
		Kind:          rhi.TopLevel,
		Instances:     b.instanceBuf,
		InstanceCount: uint32(len(b.instances)),
	})
	if err != nil {
		return undo(fmt.Errorf("tlas for %d instances: %w", len(b.instances), err))
	}

	for _, bl := range pending {
		cmd.BuildAccelerationStructure(bl.as)
	}
	cmd.BuildAccelerationStructure(tlas)

	b.recorded = &recordedBuild{blases: ids, tlas: tlas, previous: b.tlas}
	if b.tlas != nil {
		b.retired = append(b.retired, retired{as: b.tlas})
	}
	b.tlas = tlas
	b.dirty = false
	b.building = true
	b.buildFence = rhi.FenceValue{}
	b.log.Debug("recorded build of %d blas and a tlas with %d instances", len(pending), len(b.instances))
	return tlas, nil
}

// writeInstances encodes every instance into the host-visible instance
// buffer, growing it when needed.
func (b *Builder) writeInstances() error {
	need := uint64(max(len(b.instances), minInstanceCapacity)) * rhi.InstanceRecordSize
	if b.instanceBuf == nil || b.instanceBuf.Size() < need {
		buf, err := b.device.CreateBuffer(rhi.BufferDesc{
			Label:  "tlas instances",
			Size:   max(need, 2*sizeOf(b.instanceBuf)),
			Usage:  rhi.BufferUsageASInput,
			Memory: rhi.MemoryHostVisible,
		})
		if err != nil {
			return fmt.Errorf("grow instance buffer to %d bytes: %w", need, err)
		}
		if b.instanceBuf != nil {
			b.retired = append(b.retired, retired{buf: b.instanceBuf})
		}
		b.instanceBuf = buf
	}
	dst := b.instanceBuf.Mapped()
	for i, inst := range b.instances {
		bl := b.blases.Get(inst.blas)
		rec, err := rhi.NewInstanceRecord(inst.transform, inst.index, inst.mask, inst.hitGroup, inst.flags, bl.as.DeviceAddress())
		if err != nil {
			return err
		}
		if err := rec.Encode(dst[i*rhi.InstanceRecordSize:]); err != nil {
			return err
		}
	}
	return nil
}

func sizeOf(b rhi.Buffer) uint64 {
	if b == nil {
		return 0
	}
	return b.Size()
}

// SetBuildFence names the fence value that completes the last recorded
// build.
func (b *Builder) SetBuildFence(v rhi.FenceValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buildFence = v
	b.recorded = nil
	for i := range b.retired {
		if b.retired[i].after.Fence == nil {
			b.retired[i].after = v
		}
	}
}

// Abort drops the build recorded by the last Build when its command list
// was never submitted. The previous TLAS becomes current again and the
// instances are rebuilt by the next Build.
func (b *Builder) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.recorded
	if rec == nil {
		return
	}
	b.recorded = nil
	rec.tlas.Destroy()
	for _, id := range rec.blases {
		if bl, ok := b.blases.Lookup(id); ok && bl.as != nil {
			bl.as.Destroy()
			bl.as = nil
		}
	}
	if rec.previous != nil {
		for i, r := range b.retired {
			if r.as == rec.previous {
				b.retired = append(b.retired[:i], b.retired[i+1:]...)
				break
			}
		}
	}
	b.tlas = rec.previous
	b.dirty = true
	b.building = false
	b.buildFence = rhi.FenceValue{}
	b.log.Debug("dropped unsubmitted build of %d blas", len(rec.blases))
}

// Ready reports whether a new Build may be recorded.
func (b *Builder) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready()
}

func (b *Builder) ready() bool {
	if !b.building {
		return true
	}
	if b.buildFence.Fence == nil || !b.buildFence.Reached() {
		return false
	}
	b.building = false
	return true
}

// collect destroys superseded structures whose last user completed.
func (b *Builder) collect() {
	kept := b.retired[:0]
	for _, r := range b.retired {
		if r.after.Fence == nil || !r.after.Reached() {
			kept = append(kept, r)
			continue
		}
		if r.as != nil {
			r.as.Destroy()
		}
		if r.buf != nil {
			r.buf.Destroy()
		}
	}
	clear(b.retired[len(kept):])
	b.retired = kept
}

// Dirty reports whether instances changed since the last Build.
func (b *Builder) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.building && !(b.buildFence.Fence != nil && b.buildFence.Reached()):
		return StateBuilding
	case b.dirty:
		return StateAccumulating
	case b.tlas != nil:
		return StateBuilt
	}
	pending := false
	b.blases.ForEach(func(_ BlasID, bl *blas) {
		pending = pending || bl.as == nil
	})
	if pending {
		return StateAccumulating
	}
	return StateIdle
}

// TLAS returns the structure produced by the last Build, or nil.
func (b *Builder) TLAS() rhi.AccelerationStructure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tlas
}

func (b *Builder) InstanceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// Destroy releases every structure. The device must be idle.
func (b *Builder) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.retired {
		if r.as != nil {
			r.as.Destroy()
		}
		if r.buf != nil {
			r.buf.Destroy()
		}
	}
	b.retired = nil
	b.blases.ForEach(func(_ BlasID, bl *blas) {
		if bl.as != nil {
			bl.as.Destroy()
		}
	})
	if b.tlas != nil {
		b.tlas.Destroy()
		b.tlas = nil
	}
	if b.instanceBuf != nil {
		b.instanceBuf.Destroy()
		b.instanceBuf = nil
	}
}
