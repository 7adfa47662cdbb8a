package soft

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d := New(rhi.Options{})
	t.Cleanup(d.Destroy)
	return d
}

func hostBuffer(t *testing.T, d *Device, data []byte, usage rhi.BufferUsage) rhi.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(rhi.BufferDesc{Label: "test", Size: uint64(len(data)), Usage: usage, Memory: rhi.MemoryHostVisible})
	require.NoError(t, err)
	copy(b.Mapped(), data)
	return b
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	out, err := binary.Append(nil, binary.LittleEndian, v)
	require.NoError(t, err)
	return out
}

func submit(t *testing.T, d *Device, kind rhi.QueueKind, record func(rhi.CommandList), desc rhi.SubmitDesc) {
	t.Helper()
	pool, err := d.CreateCommandPool(kind)
	require.NoError(t, err)
	cl, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, cl.Begin())
	record(cl)
	require.NoError(t, cl.End())
	desc.Lists = []rhi.CommandList{cl}
	require.NoError(t, d.Queue(kind).Submit(desc))
}

func TestBVHMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var tris [][3]math.Vec3
	var bounds []math.Extents3D
	for i := 0; i < 300; i++ {
		c := math.NewVec3(rng.Float32()*20-10, rng.Float32()*20-10, rng.Float32()*20-10)
		tri := [3]math.Vec3{
			c,
			c.Add(math.NewVec3(rng.Float32(), rng.Float32(), 0)),
			c.Add(math.NewVec3(0, rng.Float32(), rng.Float32())),
		}
		tris = append(tris, tri)
		bounds = append(bounds, math.NewExtents3DEmpty().Grow(tri[0]).Grow(tri[1]).Grow(tri[2]))
	}
	b := buildBVH(bounds)

	for r := 0; r < 200; r++ {
		origin := math.NewVec3(rng.Float32()*30-15, rng.Float32()*30-15, 20)
		dir := math.NewVec3(rng.Float32()-0.5, rng.Float32()-0.5, -1).Normalize()

		bruteT, bruteItem := math.K_INFINITY, int32(-1)
		for i, tri := range tris {
			if tt, _, _, ok := intersectTriangle(origin, dir, tri[0], tri[1], tri[2]); ok && tt > 0 && tt < bruteT {
				bruteT, bruteItem = tt, int32(i)
			}
		}

		tMax, item := math.K_INFINITY, int32(-1)
		b.intersect(origin, dir, 0, &tMax, func(i int32) bool {
			tri := tris[i]
			if tt, _, _, ok := intersectTriangle(origin, dir, tri[0], tri[1], tri[2]); ok && tt > 0 && tt < tMax {
				tMax, item = tt, i
			}
			return false
		})
		assert.Equal(t, bruteItem, item, "ray %d", r)
	}
}

func TestHeldQueueKeepsWorkInFlight(t *testing.T) {
	d := newTestDevice(t)
	fence, err := d.CreateFence("copy", 0)
	require.NoError(t, err)
	src := hostBuffer(t, d, []byte{1, 2, 3, 4}, rhi.BufferUsageTransferSrc)
	dst := hostBuffer(t, d, make([]byte, 4), rhi.BufferUsageTransferDst)

	d.HoldQueue(rhi.QueueCopy)
	v := fence.Advance()
	submit(t, d, rhi.QueueCopy, func(cl rhi.CommandList) {
		cl.CopyBuffer(src, 0, dst, 0, 4)
	}, rhi.SubmitDesc{Signal: []rhi.FenceValue{{Fence: fence, Value: v}}})

	assert.Equal(t, uint64(0), fence.Completed())
	assert.Equal(t, []byte{0, 0, 0, 0}, dst.Mapped())
	assert.False(t, rhi.Idle(fence))

	d.ReleaseQueue(rhi.QueueCopy)
	require.NoError(t, fence.Wait(context.Background(), v))
	assert.Equal(t, []byte{1, 2, 3, 4}, dst.Mapped())
	assert.True(t, rhi.Idle(fence))
}

func TestCrossQueueWaitOrdersExecution(t *testing.T) {
	d := newTestDevice(t)
	copyFence, _ := d.CreateFence("copy", 0)
	frame, _ := d.CreateFence("frame", 0)
	stage := hostBuffer(t, d, []byte{9}, rhi.BufferUsageTransferSrc)
	mid := hostBuffer(t, d, []byte{0}, rhi.BufferUsageTransferDst)
	out := hostBuffer(t, d, []byte{0}, rhi.BufferUsageTransferDst)

	d.HoldQueue(rhi.QueueCopy)
	submit(t, d, rhi.QueueCopy, func(cl rhi.CommandList) {
		cl.CopyBuffer(stage, 0, mid, 0, 1)
	}, rhi.SubmitDesc{Signal: []rhi.FenceValue{{Fence: copyFence, Value: 1}}})
	submit(t, d, rhi.QueueGraphics, func(cl rhi.CommandList) {
		cl.CopyBuffer(mid, 0, out, 0, 1)
	}, rhi.SubmitDesc{
		Wait:   []rhi.FenceValue{{Fence: copyFence, Value: 1}},
		Signal: []rhi.FenceValue{{Fence: frame, Value: 1}},
	})
	assert.Equal(t, uint64(0), frame.Completed(), "graphics waits for the copy queue")

	d.ReleaseQueue(rhi.QueueCopy)
	require.NoError(t, frame.Wait(context.Background(), 1))
	assert.Equal(t, []byte{9}, out.Mapped())
}

func TestLayoutMismatchLosesDevice(t *testing.T) {
	d := newTestDevice(t)
	img, err := d.CreateImage(rhi.ImageDesc{Label: "img", Width: 2, Height: 2, Format: rhi.FormatRGBA8Unorm, Usage: rhi.ImageUsageTransferDst})
	require.NoError(t, err)
	src := hostBuffer(t, d, make([]byte, 16), rhi.BufferUsageTransferSrc)
	fence, _ := d.CreateFence("f", 0)

	submit(t, d, rhi.QueueCopy, func(cl rhi.CommandList) {
		// missing Undefined -> TransferDst transition
		cl.CopyBufferToImage(src, 0, img)
	}, rhi.SubmitDesc{Signal: []rhi.FenceValue{{Fence: fence, Value: 1}}})

	assert.True(t, d.IsLost())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, fence.Wait(ctx, 1), rhi.ErrDeviceLost)
	_, err = d.CreateBuffer(rhi.BufferDesc{Size: 4})
	assert.ErrorIs(t, err, rhi.ErrDeviceLost)
}

func TestRecordingErrorsSurfaceAtEnd(t *testing.T) {
	d := newTestDevice(t)
	small := hostBuffer(t, d, make([]byte, 4), rhi.BufferUsageTransferDst)
	pool, _ := d.CreateCommandPool(rhi.QueueCopy)
	cl, _ := pool.Allocate()
	require.NoError(t, cl.Begin())
	cl.CopyBuffer(small, 0, small, 2, 4)
	assert.Error(t, cl.End())
	assert.Error(t, d.Queue(rhi.QueueCopy).Submit(rhi.SubmitDesc{Lists: []rhi.CommandList{cl}}))
}

func TestFreedAddressesFault(t *testing.T) {
	d := newTestDevice(t)
	b := hostBuffer(t, d, []byte{1, 2, 3, 4}, rhi.BufferUsageStorage)
	addr := uint64(b.DeviceAddress())
	_, ok := d.mem.resolve(addr, 4)
	require.True(t, ok)
	_, ok = d.mem.resolve(addr+2, 4)
	assert.False(t, ok, "range crosses the end of the allocation")

	b.Destroy()
	_, ok = d.mem.resolve(addr, 4)
	assert.False(t, ok)

	other := hostBuffer(t, d, []byte{5}, rhi.BufferUsageStorage)
	assert.NotEqual(t, addr, uint64(other.DeviceAddress()), "addresses are never recycled")
}

func TestOutOfDeviceMemory(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.CreateBuffer(rhi.BufferDesc{Label: "huge", Size: deviceMemoryBudget + 1})
	assert.ErrorIs(t, err, rhi.ErrOutOfDeviceMemory)
}

// Two instances of a unit quad at z=-5: the left one opaque, the right one
// routed to a hit group whose any-hit rejects everything.
func TestTraceResolvesBindingTable(t *testing.T) {
	d := newTestDevice(t)

	positions := encode(t, []float32{-0.5, -0.5, 0, 0.5, -0.5, 0, 0.5, 0.5, 0, -0.5, 0.5, 0})
	indices := encode(t, []uint32{0, 1, 2, 0, 2, 3})
	vb := hostBuffer(t, d, positions, rhi.BufferUsageASInput)
	ib := hostBuffer(t, d, indices, rhi.BufferUsageASInput)

	makeBLAS := func(opaque bool) rhi.AccelerationStructure {
		as, err := d.CreateAccelerationStructure(rhi.AccelerationStructureDesc{
			Kind: rhi.BottomLevel,
			Geometries: []rhi.TriangleGeometry{{
				Vertices: vb, VertexStride: 12, VertexCount: 4,
				Indices: ib, IndexCount: 6, Opaque: opaque,
			}},
		})
		require.NoError(t, err)
		return as
	}
	opaqueBLAS, alphaBLAS := makeBLAS(true), makeBLAS(false)

	left, err := rhi.NewInstanceRecord(math.NewMat4Translation(math.NewVec3(-1, 0, -5)), 10, 0xFF, 0, 0, opaqueBLAS.DeviceAddress())
	require.NoError(t, err)
	right, err := rhi.NewInstanceRecord(math.NewMat4Translation(math.NewVec3(1, 0, -5)), 11, 0xFF, 1, 0, alphaBLAS.DeviceAddress())
	require.NoError(t, err)
	instData := make([]byte, 2*rhi.InstanceRecordSize)
	require.NoError(t, left.Encode(instData))
	require.NoError(t, right.Encode(instData[rhi.InstanceRecordSize:]))
	instances := hostBuffer(t, d, instData, rhi.BufferUsageASInput)

	tlas, err := d.CreateAccelerationStructure(rhi.AccelerationStructureDesc{Kind: rhi.TopLevel, Instances: instances, InstanceCount: 2})
	require.NoError(t, err)

	raygen := rhi.RayGenKernel(func(ctx rhi.RayGenContext) {
		id := ctx.LaunchID()
		x := float32(id[0])*2 - 3
		payload := make([]float32, 1)
		ctx.TraceRay(rhi.Ray{
			TLAS: tlas.DeviceAddress(), Mask: 0xFF, SBTStride: 1,
			Origin: math.NewVec3(x, 0, 0), Direction: math.NewVec3(0, 0, -1),
			TMin: 0.001, TMax: 100,
		}, payload)
		ctx.StoreImage(0, id[0], id[1], math.NewVec4(payload[0], 0, 0, 1))
	})
	miss := rhi.MissKernel(func(ctx rhi.MissContext, payload []float32) { payload[0] = 0.2 })
	closest := rhi.ClosestHitKernel(func(ctx rhi.HitContext, payload []float32) {
		payload[0] = float32(ctx.InstanceCustomIndex()) / 20
	})
	reject := rhi.AnyHitKernel(func(ctx rhi.HitContext, payload []float32) bool { return false })

	pipe, err := d.CreateRayTracingPipeline(rhi.RayTracingPipelineDesc{
		RayGen:            &rhi.ShaderModule{Stage: rhi.StageRayGen, Kernel: raygen},
		Miss:              []*rhi.ShaderModule{{Stage: rhi.StageMiss, Kernel: miss}},
		HitGroups: []rhi.HitGroup{
			{ClosestHit: &rhi.ShaderModule{Stage: rhi.StageClosestHit, Kernel: closest}},
			{
				ClosestHit: &rhi.ShaderModule{Stage: rhi.StageClosestHit, Kernel: closest},
				AnyHit:     &rhi.ShaderModule{Stage: rhi.StageAnyHit, Kernel: reject},
			},
		},
		MaxRecursionDepth: 1,
	})
	require.NoError(t, err)

	sbt := make([]byte, 4*64)
	for i := 0; i < 4; i++ {
		h, err := pipe.ShaderGroupHandle(i)
		require.NoError(t, err)
		copy(sbt[i*64:], h)
	}
	table := hostBuffer(t, d, sbt, rhi.BufferUsageShaderBindingTable)
	base := table.DeviceAddress()

	img, err := d.CreateImage(rhi.ImageDesc{Width: 4, Height: 1, Format: rhi.FormatRGBA8Unorm, Usage: rhi.ImageUsageStorage})
	require.NoError(t, err)
	heap, err := d.CreateDescriptorHeap(rhi.DescriptorHeapDesc{SampledImages: 1, StorageImages: 1, Samplers: 1})
	require.NoError(t, err)
	require.NoError(t, heap.WriteStorageImages(0, []rhi.Image{img}))

	submit(t, d, rhi.QueueGraphics, func(cl rhi.CommandList) {
		cl.BuildAccelerationStructure(opaqueBLAS)
		cl.BuildAccelerationStructure(alphaBLAS)
		cl.BuildAccelerationStructure(tlas)
		cl.TransitionImage(img, rhi.ImageLayoutUndefined, rhi.ImageLayoutGeneral)
		cl.BindDescriptorHeap(heap)
		cl.BindPipeline(pipe)
		cl.TraceRays(rhi.TraceRaysDesc{
			RayGen: rhi.StridedRegion{Address: base, Stride: 64, Size: 64},
			Miss:   rhi.StridedRegion{Address: base + 64, Stride: 64, Size: 64},
			Hit:    rhi.StridedRegion{Address: base + 128, Stride: 64, Size: 128},
			Width:  4, Height: 1, Depth: 1,
		})
	}, rhi.SubmitDesc{})
	require.False(t, d.IsLost(), "%v", d.lostErr())

	px := img.(*Image).pixels
	// rays at x = -3 and x = 3 miss, x = -1 hits the opaque quad and
	// x = 1 only reaches the rejecting any-hit
	assert.Equal(t, unorm8(0.2), px[0])
	assert.Equal(t, unorm8(0.5), px[4])
	assert.Equal(t, unorm8(0.2), px[8])
	assert.Equal(t, unorm8(0.2), px[12])

	recs := d.Dispatches()
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(4), recs[0].Width)
	assert.Equal(t, 2, tlas.(*AccelerationStructure).InstanceCount())
}
