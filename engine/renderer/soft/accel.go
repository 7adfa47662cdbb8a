package soft

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type blasGeometry struct {
	positions []math.Vec3
	indices   []uint32
	opaque    bool
}

type primRef struct {
	geometry  uint32
	primitive uint32
}

type tlasInstance struct {
	record        rhi.InstanceRecord
	blas          *AccelerationStructure
	objectToWorld math.Mat4
	worldToObject math.Mat4
}

// AccelerationStructure is a CPU BVH. Bottom level structures index
// triangles of all their geometries; top level structures index instance
// bounds in world space.
type AccelerationStructure struct {
	id        uuid.UUID
	desc      rhi.AccelerationStructureDesc
	dev       *Device
	alloc     *allocation
	built     bool
	destroyed atomic.Bool

	geometries []blasGeometry
	prims      []primRef
	instances  []tlasInstance
	bvh        *bvh
}

func (d *Device) CreateAccelerationStructure(desc rhi.AccelerationStructureDesc) (rhi.AccelerationStructure, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	var size uint64
	switch desc.Kind {
	case rhi.BottomLevel:
		if len(desc.Geometries) == 0 {
			return nil, fmt.Errorf("blas %q: no geometry", desc.Label)
		}
		for i, g := range desc.Geometries {
			if err := validateGeometry(g); err != nil {
				return nil, fmt.Errorf("blas %q geometry %d: %w", desc.Label, i, err)
			}
			size += uint64(g.IndexCount/3) * 64
		}
	case rhi.TopLevel:
		b, ok := desc.Instances.(*Buffer)
		if !ok {
			return nil, fmt.Errorf("tlas %q: instance buffer: %w", desc.Label, errWrongDevice)
		}
		if desc.InstanceOffset+uint64(desc.InstanceCount)*rhi.InstanceRecordSize > b.Size() {
			return nil, fmt.Errorf("tlas %q: %d instances at %d overrun buffer %s", desc.Label, desc.InstanceCount, desc.InstanceOffset, b.Label())
		}
		size = uint64(desc.InstanceCount) * 128
	default:
		return nil, fmt.Errorf("acceleration structure %q: unknown kind %d", desc.Label, desc.Kind)
	}

	as := &AccelerationStructure{id: uuid.New(), desc: desc, dev: d}
	a, err := d.mem.alloc(size+256, as)
	if err != nil {
		err = fmt.Errorf("%s %q: %w", desc.Kind, desc.Label, err)
		d.log.Error(err.Error())
		return nil, err
	}
	as.alloc = a
	return as, nil
}

func validateGeometry(g rhi.TriangleGeometry) error {
	vb, ok1 := g.Vertices.(*Buffer)
	ib, ok2 := g.Indices.(*Buffer)
	if !ok1 || !ok2 {
		return errWrongDevice
	}
	if g.VertexStride < 12 {
		return fmt.Errorf("vertex stride %d below 12", g.VertexStride)
	}
	if g.IndexCount == 0 || g.IndexCount%3 != 0 {
		return fmt.Errorf("index count %d is not a triangle list", g.IndexCount)
	}
	if g.VertexCount == 0 || g.VertexOffset+uint64(g.VertexCount-1)*uint64(g.VertexStride)+12 > vb.Size() {
		return fmt.Errorf("%d vertices overrun buffer %s", g.VertexCount, vb.Label())
	}
	if g.IndexOffset+uint64(g.IndexCount)*4 > ib.Size() {
		return fmt.Errorf("%d indices overrun buffer %s", g.IndexCount, ib.Label())
	}
	return nil
}

func (a *AccelerationStructure) ID() uuid.UUID { return a.id }
func (a *AccelerationStructure) Label() string { return a.desc.Label }
func (a *AccelerationStructure) Kind() rhi.AccelerationStructureKind { return a.desc.Kind }

func (a *AccelerationStructure) DeviceAddress() rhi.DeviceAddress {
	return rhi.DeviceAddress(a.alloc.base)
}

func (a *AccelerationStructure) Destroy() {
	if a.destroyed.Swap(true) {
		return
	}
	a.dev.mem.free(a.alloc)
}

// Built reports whether a build command for the structure has executed.
func (a *AccelerationStructure) Built() bool {
	return a.built
}

// InstanceCount is the number of instances captured by the last build.
func (a *AccelerationStructure) InstanceCount() int {
	return len(a.instances)
}

// Instance returns the record captured for instance i by the last build.
func (a *AccelerationStructure) Instance(i int) rhi.InstanceRecord {
	return a.instances[i].record
}

func (a *AccelerationStructure) build() error {
	if a.destroyed.Load() {
		return fmt.Errorf("build of destroyed %s %s", a.desc.Kind, a.desc.Label)
	}
	var err error
	if a.desc.Kind == rhi.BottomLevel {
		err = a.buildBottom()
	} else {
		err = a.buildTop()
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", a.desc.Kind, a.desc.Label, err)
	}
	a.built = true
	return nil
}

func (a *AccelerationStructure) buildBottom() error {
	a.geometries = a.geometries[:0]
	a.prims = a.prims[:0]
	var bounds []math.Extents3D

	for gi, g := range a.desc.Geometries {
		vdata, err := g.Vertices.(*Buffer).bytes()
		if err != nil {
			return err
		}
		idata, err := g.Indices.(*Buffer).bytes()
		if err != nil {
			return err
		}
		geom := blasGeometry{
			positions: make([]math.Vec3, g.VertexCount),
			indices:   make([]uint32, g.IndexCount),
			opaque:    g.Opaque,
		}
		for v := range geom.positions {
			off := g.VertexOffset + uint64(v)*uint64(g.VertexStride)
			var p [3]float32
			if _, err := binary.Decode(vdata[off:off+12], binary.LittleEndian, &p); err != nil {
				return err
			}
			geom.positions[v] = math.NewVec3(p[0], p[1], p[2])
		}
		if _, err := binary.Decode(idata[g.IndexOffset:g.IndexOffset+uint64(g.IndexCount)*4], binary.LittleEndian, geom.indices); err != nil {
			return err
		}
		for i, idx := range geom.indices {
			if idx >= g.VertexCount {
				return fmt.Errorf("geometry %d: index %d = %d out of %d vertices", gi, i, idx, g.VertexCount)
			}
		}
		for prim := 0; prim < len(geom.indices)/3; prim++ {
			e := math.NewExtents3DEmpty().
				Grow(geom.positions[geom.indices[3*prim]]).
				Grow(geom.positions[geom.indices[3*prim+1]]).
				Grow(geom.positions[geom.indices[3*prim+2]])
			bounds = append(bounds, e)
			a.prims = append(a.prims, primRef{geometry: uint32(gi), primitive: uint32(prim)})
		}
		a.geometries = append(a.geometries, geom)
	}
	a.bvh = buildBVH(bounds)
	return nil
}

func (a *AccelerationStructure) buildTop() error {
	data, err := a.desc.Instances.(*Buffer).bytes()
	if err != nil {
		return err
	}
	a.instances = a.instances[:0]
	bounds := make([]math.Extents3D, 0, a.desc.InstanceCount)
	for i := uint32(0); i < a.desc.InstanceCount; i++ {
		off := a.desc.InstanceOffset + uint64(i)*rhi.InstanceRecordSize
		rec, err := rhi.DecodeInstanceRecord(data[off : off+rhi.InstanceRecordSize])
		if err != nil {
			return err
		}
		owner, ok := a.dev.mem.owner(uint64(rec.BLAS))
		blas, isAS := owner.(*AccelerationStructure)
		if !ok || !isAS || blas.desc.Kind != rhi.BottomLevel {
			return fmt.Errorf("instance %d references 0x%x, which is not a bottom level structure", i, rec.BLAS)
		}
		if !blas.built {
			return fmt.Errorf("instance %d references blas %s before it was built", i, blas.Label())
		}
		m := rec.Matrix()
		a.instances = append(a.instances, tlasInstance{
			record:        rec,
			blas:          blas,
			objectToWorld: m,
			worldToObject: m.Inverse(),
		})
		bounds = append(bounds, blas.bvh.bounds.Transform(m))
	}
	a.bvh = buildBVH(bounds)
	return nil
}
