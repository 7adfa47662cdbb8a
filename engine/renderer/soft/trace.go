package soft

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

// tracer is the shared state of one TraceRays command.
type tracer struct {
	dev      *Device
	pipeline *Pipeline
	heap     *DescriptorHeap
	push     []byte
	desc     rhi.TraceRaysDesc

	faulted  atomic.Bool
	faultMu  sync.Mutex
	faultErr error
}

func (t *tracer) fault(format string, args ...any) {
	t.faultMu.Lock()
	defer t.faultMu.Unlock()
	if t.faultErr == nil {
		t.faultErr = fmt.Errorf(format, args...)
		t.faulted.Store(true)
	}
}

func (t *tracer) err() error {
	t.faultMu.Lock()
	defer t.faultMu.Unlock()
	return t.faultErr
}

func (s *execState) dispatch(desc rhi.TraceRaysDesc) error {
	if s.pipeline == nil {
		return fmt.Errorf("trace rays without a bound pipeline")
	}
	if s.heap == nil {
		return fmt.Errorf("trace rays without a bound descriptor heap")
	}
	t := &tracer{
		dev:      s.dev,
		pipeline: s.pipeline,
		heap:     s.heap,
		push:     slices.Clone(s.push),
		desc:     desc,
	}
	rg, err := t.record(desc.RayGen, 0, groupRayGen)
	if err != nil {
		return fmt.Errorf("raygen: %w", err)
	}
	s.dev.recordDispatch(DispatchRecord{
		Width:         desc.Width,
		Height:        desc.Height,
		Depth:         desc.Depth,
		PushConstants: t.push,
	})

	var g errgroup.Group
	g.SetLimit(s.dev.workers)
	for z := uint32(0); z < desc.Depth; z++ {
		for y := uint32(0); y < desc.Height; y++ {
			g.Go(func() error {
				for x := uint32(0); x < desc.Width; x++ {
					rg.raygen(&invocation{t: t, launch: [3]uint32{x, y, z}})
					if t.faulted.Load() {
						return t.err()
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return t.err()
}

// record resolves the shader group referenced by entry i of a binding
// table region.
func (t *tracer) record(region rhi.StridedRegion, i uint32, want groupKind) (*shaderGroup, error) {
	off := uint64(i) * region.Stride
	if off+handleSize > region.Size || region.Address == 0 {
		return nil, fmt.Errorf("record %d outside table at 0x%x (stride %d, size %d)", i, region.Address, region.Stride, region.Size)
	}
	h, ok := t.dev.mem.resolve(uint64(region.Address)+off, handleSize)
	if !ok {
		return nil, fmt.Errorf("binding table record at 0x%x is not mapped", uint64(region.Address)+off)
	}
	g, err := t.pipeline.resolveHandle(h)
	if err != nil {
		return nil, err
	}
	if g.kind != want {
		return nil, fmt.Errorf("record %d holds the wrong group kind", i)
	}
	return g, nil
}

func (t *tracer) resolveTLAS(addr rhi.DeviceAddress) (*AccelerationStructure, error) {
	owner, ok := t.dev.mem.owner(uint64(addr))
	as, isAS := owner.(*AccelerationStructure)
	if !ok || !isAS || as.desc.Kind != rhi.TopLevel {
		return nil, fmt.Errorf("traceRay on 0x%x, which is not a top level structure", addr)
	}
	if !as.built || as.destroyed.Load() {
		return nil, fmt.Errorf("traceRay on tlas %s that is not built or destroyed", as.Label())
	}
	return as, nil
}

type hitRecord struct {
	t         float32
	u, v      float32
	instance  int32
	geometry  uint32
	primitive uint32
}

func opaque(g *blasGeometry, inst *tlasInstance, flags rhi.RayFlags) bool {
	switch {
	case flags&rhi.RayFlagOpaque != 0:
		return true
	case inst.record.Flags()&rhi.InstanceFlagForceOpaque != 0:
		return true
	case inst.record.Flags()&rhi.InstanceFlagForceNoOpaque != 0:
		return false
	}
	return g.opaque
}

func (t *tracer) trace(depth uint32, ray rhi.Ray, payload []float32) {
	if depth > t.pipeline.depth {
		t.fault("traceRay recursion %d exceeds pipeline depth %d", depth, t.pipeline.depth)
		return
	}
	tlas, err := t.resolveTLAS(ray.TLAS)
	if err != nil {
		t.fault("%s", err)
		return
	}

	var best hitRecord
	found := false
	tMax := ray.TMax
	tlas.bvh.intersect(ray.Origin, ray.Direction, ray.TMin, &tMax, func(item int32) bool {
		inst := &tlas.instances[item]
		if inst.record.Mask()&ray.Mask == 0 {
			return false
		}
		if inst.blas.destroyed.Load() {
			t.fault("tlas %s instance %d references a destroyed blas", tlas.Label(), item)
			return true
		}
		origin := ray.Origin.Transform(inst.worldToObject)
		dir := ray.Direction.TransformDirection(inst.worldToObject)
		blas := inst.blas
		return blas.bvh.intersect(origin, dir, ray.TMin, &tMax, func(pi int32) bool {
			pr := blas.prims[pi]
			g := &blas.geometries[pr.geometry]
			i := 3 * pr.primitive
			tt, u, v, ok := intersectTriangle(origin, dir, g.positions[g.indices[i]], g.positions[g.indices[i+1]], g.positions[g.indices[i+2]])
			if !ok || tt < ray.TMin || tt >= tMax {
				return false
			}
			cand := hitRecord{t: tt, u: u, v: v, instance: item, geometry: pr.geometry, primitive: pr.primitive}
			if !opaque(g, inst, ray.Flags) {
				hg, err := t.hitGroup(inst, ray, pr.geometry)
				if err != nil {
					t.fault("any-hit: %s", err)
					return true
				}
				if hg.anyHit != nil && !hg.anyHit(t.hitInvocation(depth, ray, tlas, cand), payload) {
					return false
				}
			}
			best = cand
			found = true
			tMax = tt
			return ray.Flags&rhi.RayFlagTerminateOnFirstHit != 0
		})
	})
	if t.faulted.Load() {
		return
	}

	if found {
		if ray.Flags&rhi.RayFlagSkipClosestHitShader != 0 {
			return
		}
		hg, err := t.hitGroup(&tlas.instances[best.instance], ray, best.geometry)
		if err != nil {
			t.fault("closest-hit: %s", err)
			return
		}
		if hg.closestHit != nil {
			hg.closestHit(t.hitInvocation(depth, ray, tlas, best), payload)
		}
		return
	}

	mg, err := t.record(t.desc.Miss, ray.MissIndex, groupMiss)
	if err != nil {
		t.fault("miss: %s", err)
		return
	}
	mg.miss(&invocation{t: t, depth: depth, rayOrigin: ray.Origin, rayDir: ray.Direction}, payload)
}

func (t *tracer) hitGroup(inst *tlasInstance, ray rhi.Ray, geometry uint32) (*shaderGroup, error) {
	index := inst.record.SBTOffset() + ray.SBTOffset + geometry*ray.SBTStride
	return t.record(t.desc.Hit, index, groupHit)
}

func (t *tracer) hitInvocation(depth uint32, ray rhi.Ray, tlas *AccelerationStructure, h hitRecord) *invocation {
	return &invocation{
		t:         t,
		depth:     depth,
		rayOrigin: ray.Origin,
		rayDir:    ray.Direction,
		hit:       h,
		inst:      &tlas.instances[h.instance],
	}
}

// invocation implements the raygen, hit and miss shader contexts.
type invocation struct {
	t         *tracer
	depth     uint32
	launch    [3]uint32
	rayOrigin math.Vec3
	rayDir    math.Vec3
	hit       hitRecord
	inst      *tlasInstance
}

func (c *invocation) PushConstants() []byte {
	return c.t.push
}

func (c *invocation) Load(addr rhi.DeviceAddress, dst []byte) bool {
	src, ok := c.t.dev.mem.resolve(uint64(addr), len(dst))
	if !ok {
		clear(dst)
		c.t.fault("load of %d bytes at 0x%x faulted", len(dst), uint64(addr))
		return false
	}
	copy(dst, src)
	return true
}

func (c *invocation) TraceRay(ray rhi.Ray, payload []float32) {
	c.t.trace(c.depth+1, ray, payload)
}

func (c *invocation) LaunchID() [3]uint32 {
	return c.launch
}

func (c *invocation) LaunchSize() [3]uint32 {
	return [3]uint32{c.t.desc.Width, c.t.desc.Height, c.t.desc.Depth}
}

func (c *invocation) StoreImage(image uint32, x, y uint32, color math.Vec4) {
	img := c.t.heap.storageImage(image)
	if img == nil || img.destroyed.Load() {
		c.t.fault("store to empty storage image slot %d", image)
		return
	}
	if img.layout != rhi.ImageLayoutGeneral {
		c.t.fault("store to image %s in layout %s", img.Label(), img.layout)
		return
	}
	if x >= img.desc.Width || y >= img.desc.Height {
		c.t.fault("store at %d,%d outside image %s", x, y, img.Label())
		return
	}
	bpp := uint32(img.desc.Format.BytesPerPixel())
	px := img.pixels[(y*img.desc.Width+x)*bpp:][:bpp]
	encodePixel(img.desc.Format, px, color)
}

func (c *invocation) SampleTexture(texture, sampler uint32, uv math.Vec2) math.Vec4 {
	img := c.t.heap.sampledImage(texture)
	smp := c.t.heap.sampler(sampler)
	if img == nil || smp == nil || img.destroyed.Load() {
		c.t.fault("sample of empty slot (texture %d, sampler %d)", texture, sampler)
		return math.Vec4{}
	}
	if img.layout != rhi.ImageLayoutShaderReadOnly && img.layout != rhi.ImageLayoutGeneral {
		c.t.fault("sample of image %s in layout %s", img.Label(), img.layout)
		return math.Vec4{}
	}
	return sample(img, smp.desc, uv)
}

func (c *invocation) InstanceCustomIndex() uint32 { return c.inst.record.CustomIndex() }
func (c *invocation) InstanceIndex() uint32 { return uint32(c.hit.instance) }
func (c *invocation) GeometryIndex() uint32 { return c.hit.geometry }
func (c *invocation) PrimitiveIndex() uint32 { return c.hit.primitive }
func (c *invocation) Barycentrics() math.Vec2 { return math.NewVec2(c.hit.u, c.hit.v) }
func (c *invocation) HitT() float32 { return c.hit.t }
func (c *invocation) WorldRayOrigin() math.Vec3 { return c.rayOrigin }
func (c *invocation) WorldRayDirection() math.Vec3 { return c.rayDir }
func (c *invocation) ObjectToWorld() math.Mat4 { return c.inst.objectToWorld }

func encodePixel(f rhi.Format, dst []byte, c math.Vec4) {
	switch f {
	case rhi.FormatRGBA8Unorm:
		dst[0] = unorm8(c.X)
		dst[1] = unorm8(c.Y)
		dst[2] = unorm8(c.Z)
		dst[3] = unorm8(c.W)
	case rhi.FormatRGBA32Float:
		_, _ = binary.Encode(dst, binary.LittleEndian, [4]float32{c.X, c.Y, c.Z, c.W})
	}
}

func unorm8(v float32) byte {
	return byte(math.Clamp(v, 0, 1)*255 + 0.5)
}

func texel(img *Image, x, y int) math.Vec4 {
	bpp := img.desc.Format.BytesPerPixel()
	p := img.pixels[(y*int(img.desc.Width)+x)*bpp:][:bpp]
	if img.desc.Format == rhi.FormatRGBA32Float {
		var out [4]float32
		_, _ = binary.Decode(p, binary.LittleEndian, &out)
		return math.NewVec4(out[0], out[1], out[2], out[3])
	}
	return math.NewVec4(float32(p[0])/255, float32(p[1])/255, float32(p[2])/255, float32(p[3])/255)
}

func wrap(coord float32, mode rhi.AddressMode) float32 {
	if mode == rhi.AddressModeClampToEdge {
		return math.Clamp(coord, 0, 1)
	}
	return coord - math32.Floor(coord)
}

func sample(img *Image, desc rhi.SamplerDesc, uv math.Vec2) math.Vec4 {
	w, h := int(img.desc.Width), int(img.desc.Height)
	u := wrap(uv.X, desc.AddressMode) * float32(w)
	v := wrap(uv.Y, desc.AddressMode) * float32(h)
	if desc.Filter == rhi.FilterNearest {
		return texel(img, math.Clamp(int(u), 0, w-1), math.Clamp(int(v), 0, h-1))
	}
	// bilinear between texel centres
	u -= 0.5
	v -= 0.5
	x0 := int(math32.Floor(u))
	y0 := int(math32.Floor(v))
	fx := u - float32(x0)
	fy := v - float32(y0)
	fetch := func(x, y int) math.Vec4 {
		if desc.AddressMode == rhi.AddressModeRepeat {
			x = ((x % w) + w) % w
			y = ((y % h) + h) % h
		}
		return texel(img, math.Clamp(x, 0, w-1), math.Clamp(y, 0, h-1))
	}
	lerp := func(a, b math.Vec4, t float32) math.Vec4 {
		return math.NewVec4(a.X+(b.X-a.X)*t, a.Y+(b.Y-a.Y)*t, a.Z+(b.Z-a.Z)*t, a.W+(b.W-a.W)*t)
	}
	top := lerp(fetch(x0, y0), fetch(x0+1, y0), fx)
	bottom := lerp(fetch(x0, y0+1), fetch(x0+1, y0+1), fx)
	return lerp(top, bottom, fy)
}
