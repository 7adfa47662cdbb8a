package accel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
	"github.com/spaghettifunk/raylight/engine/renderer/soft"
)

type fixture struct {
	dev     *soft.Device
	b       *Builder
	verts   VertexRange
	indices IndexRange
	frame   rhi.Fence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := soft.New(rhi.Options{})
	upload := func(label string, v any) rhi.Buffer {
		data, err := binary.Append(nil, binary.LittleEndian, v)
		require.NoError(t, err)
		buf, err := dev.CreateBuffer(rhi.BufferDesc{Label: label, Size: uint64(len(data)), Usage: rhi.BufferUsageASInput, Memory: rhi.MemoryHostVisible})
		require.NoError(t, err)
		copy(buf.Mapped(), data)
		return buf
	}
	vb := upload("positions", []float32{0, 0, 0, 1, 0, 0, 0, 1, 0})
	ib := upload("indices", []uint32{0, 1, 2})
	frame, err := dev.CreateFence("frame", 0)
	require.NoError(t, err)
	f := &fixture{
		dev:     dev,
		b:       NewBuilder(core.NewDiscardLogger(), dev),
		verts:   VertexRange{Buffer: vb, Stride: 12, Count: 3},
		indices: IndexRange{Buffer: ib},
		frame:   frame,
	}
	t.Cleanup(func() {
		f.b.Destroy()
		dev.Destroy()
	})
	return f
}

// build records a build, submits it and marks the frame value as the build
// fence.
func (f *fixture) build(t *testing.T) rhi.AccelerationStructure {
	t.Helper()
	pool, err := f.dev.CreateCommandPool(rhi.QueueGraphics)
	require.NoError(t, err)
	cmd, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, cmd.Begin())
	tlas, err := f.b.Build(cmd)
	require.NoError(t, err)
	require.NoError(t, cmd.End())
	v := f.frame.Advance()
	require.NoError(t, f.dev.Queue(rhi.QueueGraphics).Submit(rhi.SubmitDesc{
		Lists:  []rhi.CommandList{cmd},
		Signal: []rhi.FenceValue{{Fence: f.frame, Value: v}},
	}))
	f.b.SetBuildFence(rhi.FenceValue{Fence: f.frame, Value: v})
	return tlas
}

func TestInstancesKeepInsertionOrder(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, StateIdle, f.b.State())

	a := f.b.CreateBLAS("a")
	ga, err := f.b.AddGeometry(a, f.verts, f.indices, 3, true)
	require.NoError(t, err)
	bb := f.b.CreateBLAS("b")
	gb, err := f.b.AddGeometry(bb, f.verts, f.indices, 3, false)
	require.NoError(t, err)

	_, err = f.b.AddInstance(bb, gb, math.NewMat4Translation(math.NewVec3(0, 0, -2)), 7, 1)
	require.NoError(t, err)
	_, err = f.b.AddInstance(a, ga, math.NewMat4Identity(), 3, 0)
	require.NoError(t, err)
	_, err = f.b.AddInstance(bb, gb, math.NewMat4Scale(math.NewVec3(2, 2, 2)), 9, 1)
	require.NoError(t, err)
	assert.Equal(t, StateAccumulating, f.b.State())

	tlas := f.build(t)
	assert.Equal(t, StateBuilt, f.b.State())

	st := tlas.(*soft.AccelerationStructure)
	require.True(t, st.Built())
	require.Equal(t, 3, st.InstanceCount())
	var got [][2]uint32
	for i := 0; i < 3; i++ {
		rec := st.Instance(i)
		got = append(got, [2]uint32{rec.CustomIndex(), rec.SBTOffset()})
	}
	assert.Equal(t, [][2]uint32{{7, 1}, {3, 0}, {9, 1}}, got)
	assert.Equal(t, float32(-2), st.Instance(0).Matrix().Data[14])
}

func TestBuildIsGatedOnFence(t *testing.T) {
	f := newFixture(t)
	id := f.b.CreateBLAS("tri")
	g, err := f.b.AddGeometry(id, f.verts, f.indices, 3, true)
	require.NoError(t, err)
	_, err = f.b.AddInstance(id, g, math.NewMat4Identity(), 0, 0)
	require.NoError(t, err)

	f.dev.HoldQueue(rhi.QueueGraphics)
	f.build(t)
	assert.False(t, f.b.Ready())
	assert.Equal(t, StateBuilding, f.b.State())

	pool, err := f.dev.CreateCommandPool(rhi.QueueGraphics)
	require.NoError(t, err)
	cmd, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, cmd.Begin())
	_, err = f.b.Build(cmd)
	assert.ErrorIs(t, err, ErrBuildInFlight)

	f.dev.ReleaseQueue(rhi.QueueGraphics)
	assert.True(t, f.b.Ready())
	assert.Equal(t, StateBuilt, f.b.State())
}

func TestRebuildPicksUpTransforms(t *testing.T) {
	f := newFixture(t)
	id := f.b.CreateBLAS("tri")
	g, err := f.b.AddGeometry(id, f.verts, f.indices, 3, true)
	require.NoError(t, err)
	inst, err := f.b.AddInstance(id, g, math.NewMat4Identity(), 0, 0)
	require.NoError(t, err)
	first := f.build(t)
	assert.False(t, f.b.Dirty())

	require.NoError(t, f.b.UpdateInstanceTransform(inst, math.NewMat4Identity()))
	assert.False(t, f.b.Dirty(), "unchanged transforms do not dirty the tlas")
	require.NoError(t, f.b.UpdateInstanceTransform(inst, math.NewMat4Translation(math.NewVec3(4, 0, 0))))
	assert.True(t, f.b.Dirty())

	second := f.build(t)
	assert.NotEqual(t, first.DeviceAddress(), second.DeviceAddress())
	assert.Equal(t, float32(4), second.(*soft.AccelerationStructure).Instance(0).Matrix().Data[12])
	assert.Same(t, second, f.b.TLAS())

	_, err = f.b.AddGeometry(id, f.verts, f.indices, 3, true)
	assert.ErrorIs(t, err, ErrBlasSealed)
}

func TestAddInstanceValidation(t *testing.T) {
	f := newFixture(t)
	id := f.b.CreateBLAS("tri")
	g, err := f.b.AddGeometry(id, f.verts, f.indices, 3, true)
	require.NoError(t, err)

	_, err = f.b.AddInstance(id, g, math.NewMat4Perspective(1, 1, 0.1, 100), 0, 0)
	assert.ErrorIs(t, err, ErrNonAffine)

	other := f.b.CreateBLAS("other")
	_, err = f.b.AddInstance(other, g, math.NewMat4Identity(), 0, 0)
	assert.ErrorIs(t, err, ErrUnknownGeometry)
	_, err = f.b.AddInstance(id, GeometryID{BLAS: id, Index: 5}, math.NewMat4Identity(), 0, 0)
	assert.ErrorIs(t, err, ErrUnknownGeometry)
	_, err = f.b.AddInstance(BlasID{}, g, math.NewMat4Identity(), 0, 0)
	assert.ErrorIs(t, err, ErrUnknownBLAS)
	_, err = f.b.AddGeometry(id, f.verts, f.indices, 4, true)
	assert.Error(t, err)
	assert.ErrorIs(t, f.b.UpdateInstanceTransform(3, math.NewMat4Identity()), ErrUnknownInstance)
}

func TestAbortRestoresPreviousBuild(t *testing.T) {
	f := newFixture(t)
	id := f.b.CreateBLAS("tri")
	g, err := f.b.AddGeometry(id, f.verts, f.indices, 3, true)
	require.NoError(t, err)
	inst, err := f.b.AddInstance(id, g, math.NewMat4Identity(), 0, 0)
	require.NoError(t, err)
	first := f.build(t)

	require.NoError(t, f.b.UpdateInstanceTransform(inst, math.NewMat4Translation(math.NewVec3(1, 0, 0))))
	pool, err := f.dev.CreateCommandPool(rhi.QueueGraphics)
	require.NoError(t, err)
	defer pool.Destroy()
	cmd, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, cmd.Begin())
	dropped, err := f.b.Build(cmd)
	require.NoError(t, err)
	require.NoError(t, cmd.End())
	assert.NotSame(t, first, dropped)

	f.b.Abort()
	assert.True(t, f.b.Ready(), "an unsubmitted build does not block the next one")
	assert.True(t, f.b.Dirty())
	assert.Same(t, first, f.b.TLAS())
	assert.True(t, first.(*soft.AccelerationStructure).Built())

	second := f.build(t)
	assert.Equal(t, float32(1), second.(*soft.AccelerationStructure).Instance(0).Matrix().Data[12])
	f.b.Abort()
	assert.Same(t, second, f.b.TLAS(), "a fenced build is not dropped")
}

func TestAbortOfFirstBuildUnsealsBLAS(t *testing.T) {
	f := newFixture(t)
	id := f.b.CreateBLAS("tri")
	g, err := f.b.AddGeometry(id, f.verts, f.indices, 3, true)
	require.NoError(t, err)
	_, err = f.b.AddInstance(id, g, math.NewMat4Identity(), 0, 0)
	require.NoError(t, err)

	pool, err := f.dev.CreateCommandPool(rhi.QueueGraphics)
	require.NoError(t, err)
	defer pool.Destroy()
	cmd, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, cmd.Begin())
	_, err = f.b.Build(cmd)
	require.NoError(t, err)

	f.b.Abort()
	assert.Nil(t, f.b.TLAS())
	assert.Equal(t, StateAccumulating, f.b.State())

	tlas := f.build(t)
	assert.True(t, tlas.(*soft.AccelerationStructure).Built())
	require.False(t, f.dev.IsLost())
}

func TestRemoveBLAS(t *testing.T) {
	f := newFixture(t)
	kept := f.b.CreateBLAS("kept")
	g, err := f.b.AddGeometry(kept, f.verts, f.indices, 3, true)
	require.NoError(t, err)
	_, err = f.b.AddInstance(kept, g, math.NewMat4Identity(), 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, f.b.RemoveBLAS(kept), ErrBlasInUse)

	orphan := f.b.CreateBLAS("orphan")
	og, err := f.b.AddGeometry(orphan, f.verts, f.indices, 3, true)
	require.NoError(t, err)
	_, err = f.b.AddInstance(orphan, og, math.NewMat4Identity(), 1, 1)
	require.NoError(t, err)
	f.b.TruncateInstances(1)
	assert.Equal(t, 1, f.b.InstanceCount())
	require.NoError(t, f.b.RemoveBLAS(orphan))
	assert.ErrorIs(t, f.b.RemoveBLAS(orphan), ErrUnknownBLAS)

	tlas := f.build(t)
	assert.Equal(t, 1, tlas.(*soft.AccelerationStructure).InstanceCount())
}
