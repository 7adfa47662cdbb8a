// Package raytracing is the ray-traced scene renderer: it owns the
// pipeline, the shader binding table and the per-frame push constants, and
// turns models into acceleration structure inputs.
//
// The hit region of the shader binding table holds one record per mesh
// slot rather than one record per hit group and geometry. An instance uses
// its mesh slot as both custom index and table offset with a stride of 1,
// and the record written for the slot is the opaque or the alpha tested
// group, chosen by the mesh's material.
package raytracing

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/chewxy/math32"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/accel"
	"github.com/spaghettifunk/raylight/engine/renderer/descriptors"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
	"github.com/spaghettifunk/raylight/engine/renderer/transfer"
	"github.com/spaghettifunk/raylight/engine/scene"
)

var (
	ErrRayTracingUnsupported = errors.New("raytracing: device has no ray tracing support")
	ErrCapacity              = errors.New("raytracing: renderer capacity exceeded")
)

const (
	hitGroupOpaque = 0
	hitGroupAlpha  = 1
)

type Config struct {
	MaxMeshes    uint32
	MaxMaterials uint32
	MaxInstances uint32
}

// CameraData is the per-frame view. Fov is the vertical field of view in
// radians.
type CameraData struct {
	Position math.Vec3
	Rotation math.Quaternion
	Fov      float32
}

type meshSlot struct {
	blas       accel.BlasID
	geometry   accel.GeometryID
	positions  rhi.Buffer
	indices    rhi.Buffer
	attributes rhi.Buffer
}

func (m meshSlot) release() {
	for _, b := range []rhi.Buffer{m.positions, m.indices, m.attributes} {
		if b != nil {
			b.Destroy()
		}
	}
}

type Renderer struct {
	log      *core.Logger
	device   rhi.Device
	transfer *transfer.Manager
	heap     *descriptors.Heap
	builder  *accel.Builder
	config   Config

	pipeline    rhi.Pipeline
	groups      [2][]byte
	sbt         rhi.Buffer
	sbtLayout   sbtLayout
	sampler     rhi.Sampler
	samplerSlot uint32
	outputSlot  uint32
	materialBuf rhi.Buffer
	meshBuf     rhi.Buffer
	pool        rhi.CommandPool
	cmd         rhi.CommandList

	meshes    []meshSlot
	materials uint32
	textures  []rhi.Image
	texSlots  []uint32
	instances uint32

	push      PushConstants
	rebuild   bool
	lastFrame rhi.FenceValue
	retired   []retiredResource
}

func New(log *core.Logger, device rhi.Device, tm *transfer.Manager, heap *descriptors.Heap, cfg Config) (*Renderer, error) {
	if !device.Features().RayTracing {
		log.Error("device %s (%s) cannot trace rays", device.Name(), device.Backend())
		return nil, ErrRayTracingUnsupported
	}
	if cfg.MaxMeshes == 0 || cfg.MaxMaterials == 0 || cfg.MaxInstances == 0 {
		err := fmt.Errorf("raytracing: mesh, material and instance capacities must be > 0")
		log.Error(err.Error())
		return nil, err
	}
	r := &Renderer{
		log:      log,
		device:   device,
		transfer: tm,
		heap:     heap,
		builder:  accel.NewBuilder(log.With("accel"), device),
		config:   cfg,
	}
	if err := r.createPipeline(); err != nil {
		r.Destroy()
		return nil, err
	}
	if err := r.createResources(); err != nil {
		r.Destroy()
		return nil, err
	}
	log.Info("ray tracing renderer ready on %s (%d meshes, %d materials, %d instances)", device.Name(), cfg.MaxMeshes, cfg.MaxMaterials, cfg.MaxInstances)
	return r, nil
}

func (r *Renderer) createPipeline() error {
	desc := rhi.RayTracingPipelineDesc{
		Label:  "scene",
		RayGen: &rhi.ShaderModule{Label: "raygen", Stage: rhi.StageRayGen, Entry: "main", Kernel: rhi.RayGenKernel(rayGen)},
		Miss: []*rhi.ShaderModule{
			{Label: "sky", Stage: rhi.StageMiss, Entry: "main", Kernel: rhi.MissKernel(skyMiss)},
			{Label: "shadow", Stage: rhi.StageMiss, Entry: "main", Kernel: rhi.MissKernel(shadowMiss)},
		},
		HitGroups: []rhi.HitGroup{
			hitGroupOpaque: {
				Label:      "opaque",
				ClosestHit: &rhi.ShaderModule{Label: "closesthit", Stage: rhi.StageClosestHit, Entry: "main", Kernel: rhi.ClosestHitKernel(closestHit)},
			},
			hitGroupAlpha: {
				Label:      "alpha",
				ClosestHit: &rhi.ShaderModule{Label: "closesthit", Stage: rhi.StageClosestHit, Entry: "main", Kernel: rhi.ClosestHitKernel(closestHit)},
				AnyHit:     &rhi.ShaderModule{Label: "alphatest", Stage: rhi.StageAnyHit, Entry: "main", Kernel: rhi.AnyHitKernel(alphaTest)},
			},
		},
		// primary rays plus one shadow ray from the closest hit
		MaxRecursionDepth: 2,
		PushConstantSize:  PushConstantsSize,
	}
	p, err := r.device.CreateRayTracingPipeline(desc)
	if err != nil {
		r.log.Error("failed to create ray tracing pipeline: %s", err)
		return err
	}
	r.pipeline = p

	r.sbtLayout = newSBTLayout(r.device.Limits(), uint32(len(desc.Miss)), r.config.MaxMeshes)
	sbt, err := r.transfer.CreateBuffer("shader binding table", r.sbtLayout.size, rhi.BufferUsageShaderBindingTable)
	if err != nil {
		return err
	}
	r.sbt = sbt

	handle := func(group int) ([]byte, error) {
		h, err := p.ShaderGroupHandle(group)
		if err != nil {
			r.log.Error("failed to get shader group handle %d: %s", group, err)
		}
		return h, err
	}
	rg, err := handle(0)
	if err != nil {
		return err
	}
	if err := r.transfer.UploadBytes(sbt, rg, r.sbtLayout.raygen); err != nil {
		return err
	}
	for i := range desc.Miss {
		h, err := handle(1 + i)
		if err != nil {
			return err
		}
		if err := r.transfer.UploadBytes(sbt, h, r.sbtLayout.miss+uint64(i)*r.sbtLayout.stride); err != nil {
			return err
		}
	}
	for i := range desc.HitGroups {
		h, err := handle(desc.HitGroupIndex(i))
		if err != nil {
			return err
		}
		r.groups[i] = h
	}
	return nil
}

func (r *Renderer) createResources() error {
	var err error
	r.materialBuf, err = r.transfer.CreateBuffer("materials", uint64(r.config.MaxMaterials)*GPUMaterialSize, rhi.BufferUsageStorage)
	if err != nil {
		return err
	}
	r.meshBuf, err = r.transfer.CreateBuffer("mesh data", uint64(r.config.MaxMeshes)*GPUMeshDataSize, rhi.BufferUsageStorage)
	if err != nil {
		return err
	}

	r.sampler, err = r.device.CreateSampler(rhi.SamplerDesc{Label: "default", Filter: rhi.FilterLinear, AddressMode: rhi.AddressModeRepeat})
	if err != nil {
		r.log.Error("failed to create default sampler: %s", err)
		return err
	}
	if r.samplerSlot, err = r.heap.Allocate(rhi.DescriptorSampler); err != nil {
		return err
	}
	if err := r.heap.WriteSamplers(r.samplerSlot, []rhi.Sampler{r.sampler}); err != nil {
		return err
	}
	if r.outputSlot, err = r.heap.Allocate(rhi.DescriptorStorageImage); err != nil {
		return err
	}

	r.pool, err = r.device.CreateCommandPool(rhi.QueueGraphics)
	if err != nil {
		r.log.Error("failed to create frame command pool: %s", err)
		return err
	}
	r.cmd, err = r.pool.Allocate()
	if err != nil {
		r.log.Error("failed to allocate frame command list: %s", err)
		return err
	}

	r.push.Materials = r.materialBuf.DeviceAddress()
	r.push.Meshes = r.meshBuf.DeviceAddress()
	r.push.DefaultSampler = r.samplerSlot
	r.push.OutputImage = r.outputSlot
	return nil
}

// AddMesh uploads a model and records its geometry and instances. It does
// not wait for the GPU; the acceleration structures are rebuilt by a later
// Render once the uploads completed. A failed AddMesh leaves the renderer
// as it was before the call.
func (r *Renderer) AddMesh(model *scene.Model) (err error) {
	if err := model.Validate(); err != nil {
		return err
	}
	if err := r.checkCapacity(model); err != nil {
		return err
	}

	mark := addMark{
		textures:  len(r.textures),
		materials: r.materials,
		meshes:    len(r.meshes),
		instances: r.instances,
	}
	var orphans []rhi.Image
	defer func() {
		if err != nil {
			r.rollback(mark, orphans)
		}
	}()

	// materials first: every texture is uploaded once and gets one heap slot
	slots := make(map[int]uint32)
	gpuMaterials := make([]GPUMaterial, len(model.Materials))
	for i, mat := range model.Materials {
		gm := GPUMaterial{
			BaseColor:    [4]float32{mat.BaseColor.X, mat.BaseColor.Y, mat.BaseColor.Z, mat.BaseColor.W},
			TextureIndex: -1,
		}
		if mat.AlphaBlend {
			gm.AlphaBlend = 1
		}
		if mat.TextureIndex != scene.NoTexture {
			slot, ok := slots[mat.TextureIndex]
			if !ok {
				var img rhi.Image
				img, slot, err = r.uploadTexture(&model.Textures[mat.TextureIndex])
				if err != nil {
					if img != nil {
						orphans = append(orphans, img)
					}
					return err
				}
				slots[mat.TextureIndex] = slot
			}
			gm.TextureIndex = int32(slot)
		}
		gpuMaterials[i] = gm
	}
	materialBase := r.materials
	if err := transfer.UploadBufferData(r.transfer, r.materialBuf, gpuMaterials, int(materialBase)); err != nil {
		return err
	}
	r.materials += uint32(len(gpuMaterials))

	meshBase := uint32(len(r.meshes))
	for i := range model.Meshes {
		mesh := &model.Meshes[i]
		slot := meshBase + uint32(i)
		alpha := model.Materials[mesh.Material].AlphaBlend
		ms, err := r.uploadMesh(mesh, slot, materialBase+uint32(mesh.Material), alpha)
		// partially uploaded meshes are tracked so a rollback releases them
		r.meshes = append(r.meshes, ms)
		if err != nil {
			return fmt.Errorf("model %s mesh %d: %w", model.Name, i, err)
		}
	}

	for i, inst := range model.Instances {
		slot := meshBase + uint32(inst.Mesh)
		ms := r.meshes[slot]
		if _, err := r.builder.AddInstance(ms.blas, ms.geometry, inst.Transform, slot, slot); err != nil {
			return fmt.Errorf("model %s instance %d: %w", model.Name, i, err)
		}
		r.instances++
	}
	r.rebuild = true
	r.log.Debug("added model %s: %d meshes, %d materials, %d textures, %d instances", model.Name, len(model.Meshes), len(model.Materials), len(slots), len(model.Instances))
	return nil
}

// checkCapacity rejects a model that cannot fit before anything is
// allocated for it.
func (r *Renderer) checkCapacity(model *scene.Model) error {
	if n := uint32(len(model.Meshes)); uint32(len(r.meshes))+n > r.config.MaxMeshes {
		return fmt.Errorf("%w: %d meshes on top of %d (max %d)", ErrCapacity, n, len(r.meshes), r.config.MaxMeshes)
	}
	if n := uint32(len(model.Materials)); r.materials+n > r.config.MaxMaterials {
		return fmt.Errorf("%w: %d materials on top of %d (max %d)", ErrCapacity, n, r.materials, r.config.MaxMaterials)
	}
	if n := uint32(len(model.Instances)); r.instances+n > r.config.MaxInstances {
		return fmt.Errorf("%w: %d instances on top of %d (max %d)", ErrCapacity, n, r.instances, r.config.MaxInstances)
	}
	textures := make(map[int]struct{})
	for _, mat := range model.Materials {
		if mat.TextureIndex != scene.NoTexture {
			textures[mat.TextureIndex] = struct{}{}
		}
	}
	st := r.heap.Stats()[rhi.DescriptorSampledImage]
	if free := st.Capacity - st.InUse; len(textures) > free {
		return fmt.Errorf("%w: %d textures with %d free sampled image slots", ErrCapacity, len(textures), free)
	}
	return nil
}

// addMark is the renderer state an AddMesh started from.
type addMark struct {
	textures  int
	materials uint32
	meshes    int
	instances uint32
}

// rollback undoes a failed AddMesh. Copies into the dropped resources may
// already be queued, so they are flushed and the resources destroyed once
// the transfer completes.
func (r *Renderer) rollback(mark addMark, orphans []rhi.Image) {
	after, err := r.transfer.Execute()
	if err != nil {
		r.log.Warn("flushing uploads of a failed model: %s", err)
	}
	for _, img := range orphans {
		r.retire(after, img)
	}
	for i, img := range r.textures[mark.textures:] {
		if err := r.heap.Free(rhi.DescriptorSampledImage, r.texSlots[mark.textures+i]); err != nil {
			r.log.Warn("freeing texture slot: %s", err)
		}
		r.retire(after, img)
	}
	clear(r.textures[mark.textures:])
	r.textures = r.textures[:mark.textures]
	r.texSlots = r.texSlots[:mark.textures]

	r.builder.TruncateInstances(int(mark.instances))
	r.instances = mark.instances
	for _, ms := range r.meshes[mark.meshes:] {
		if err := r.builder.RemoveBLAS(ms.blas); err != nil {
			r.log.Warn("removing blas of a failed model: %s", err)
		}
		r.retire(after, ms.positions, ms.indices, ms.attributes)
	}
	clear(r.meshes[mark.meshes:])
	r.meshes = r.meshes[:mark.meshes]
	r.materials = mark.materials
}

type destroyer interface {
	Destroy()
}

type retiredResource struct {
	res   destroyer
	after rhi.FenceValue
}

// retire destroys resources once after is reached. Nil entries are
// skipped.
func (r *Renderer) retire(after rhi.FenceValue, resources ...destroyer) {
	for _, res := range resources {
		if res != nil {
			r.retired = append(r.retired, retiredResource{res: res, after: after})
		}
	}
}

func (r *Renderer) collectRetired() {
	kept := r.retired[:0]
	for _, rr := range r.retired {
		if !rr.after.Reached() {
			kept = append(kept, rr)
			continue
		}
		rr.res.Destroy()
	}
	clear(r.retired[len(kept):])
	r.retired = kept
}

func (r *Renderer) uploadTexture(t *scene.Texture) (rhi.Image, uint32, error) {
	img, err := r.transfer.CreateImage(t.Pixels, rhi.ImageDesc{
		Label:  t.Name,
		Width:  t.Width,
		Height: t.Height,
		Format: rhi.FormatRGBA8Unorm,
		Usage:  rhi.ImageUsageSampled,
	})
	if err != nil {
		return nil, 0, err
	}
	slot, err := r.heap.Allocate(rhi.DescriptorSampledImage)
	if err != nil {
		return img, 0, err
	}
	if err := r.heap.WriteSampledImages(slot, []rhi.Image{img}); err != nil {
		_ = r.heap.Free(rhi.DescriptorSampledImage, slot)
		return img, 0, err
	}
	r.textures = append(r.textures, img)
	r.texSlots = append(r.texSlots, slot)
	return img, slot, nil
}

func (r *Renderer) uploadMesh(mesh *scene.Mesh, slot, material uint32, alpha bool) (meshSlot, error) {
	ms := meshSlot{blas: r.builder.CreateBLAS(mesh.Name)}

	positions := make([][3]float32, len(mesh.Positions))
	for i, p := range mesh.Positions {
		positions[i] = array3(p)
	}
	attrs := make([]gpuAttribute, len(mesh.Attributes))
	for i, a := range mesh.Attributes {
		attrs[i] = gpuAttribute{Normal: array3(a.Normal), UV: [2]float32{a.UV.X, a.UV.Y}}
	}

	var err error
	if ms.positions, err = r.transfer.CreateBuffer(mesh.Name+" positions", uint64(len(positions))*positionSize, rhi.BufferUsageVertex|rhi.BufferUsageASInput); err != nil {
		return ms, err
	}
	if ms.indices, err = r.transfer.CreateBuffer(mesh.Name+" indices", uint64(len(mesh.Indices))*4, rhi.BufferUsageIndex|rhi.BufferUsageASInput|rhi.BufferUsageStorage); err != nil {
		return ms, err
	}
	if ms.attributes, err = r.transfer.CreateBuffer(mesh.Name+" attributes", uint64(len(attrs))*attributeSize, rhi.BufferUsageStorage); err != nil {
		return ms, err
	}
	if err := transfer.UploadBufferData(r.transfer, ms.positions, positions, 0); err != nil {
		return ms, err
	}
	if err := transfer.UploadBufferData(r.transfer, ms.indices, mesh.Indices, 0); err != nil {
		return ms, err
	}
	if err := transfer.UploadBufferData(r.transfer, ms.attributes, attrs, 0); err != nil {
		return ms, err
	}
	data := GPUMeshData{
		IndexAddress:     ms.indices.DeviceAddress(),
		AttributeAddress: ms.attributes.DeviceAddress(),
		Material:         material,
	}
	if err := transfer.UploadBufferData(r.transfer, r.meshBuf, []GPUMeshData{data}, int(slot)); err != nil {
		return ms, err
	}

	ms.geometry, err = r.builder.AddGeometry(ms.blas,
		accel.VertexRange{Buffer: ms.positions, Stride: positionSize, Count: uint32(len(positions))},
		accel.IndexRange{Buffer: ms.indices},
		uint32(len(mesh.Indices)), !alpha)
	if err != nil {
		return ms, err
	}

	group := hitGroupOpaque
	if alpha {
		group = hitGroupAlpha
	}
	if err := r.transfer.UploadBytes(r.sbt, r.groups[group], r.sbtLayout.hitRecord(slot)); err != nil {
		return ms, err
	}
	return ms, nil
}

// Render traces one frame into target. The frame waits on the previous
// value of fence and signals the next one; target must not be in use by
// another frame.
func (r *Renderer) Render(target rhi.Image, fence rhi.Fence, camera CameraData) error {
	uploaded, err := r.transfer.Execute()
	if err != nil {
		return err
	}

	// the command pool is recycled every frame
	if err := r.lastFrame.Wait(context.Background()); err != nil {
		r.log.Error("waiting for the previous frame failed: %s", err)
		return err
	}
	if err := r.pool.Reset(); err != nil {
		r.log.Error("failed to reset frame command pool: %s", err)
		return err
	}
	cmd := r.cmd
	if err := cmd.Begin(); err != nil {
		return err
	}

	// the frame state is committed only once the frame is submitted
	push := r.push
	built := false
	if r.rebuild && uploaded.Reached() && r.builder.Ready() {
		tlas, err := r.builder.Build(cmd)
		if err != nil {
			_ = cmd.End()
			return err
		}
		push.TLAS = tlas.DeviceAddress()
		built = true
	}
	fail := func(err error) error {
		if built {
			r.builder.Abort()
		}
		return err
	}

	push.CameraPosition = array3(camera.Position)
	push.CameraForward = array3(camera.Rotation.Rotate(math.NewVec3Forward()).Normalize())
	push.CameraUp = array3(camera.Rotation.Rotate(math.NewVec3Up()).Normalize())
	push.TanHalfFov = math32.Tan(camera.Fov * 0.5)

	if err := r.heap.WriteStorageImages(r.outputSlot, []rhi.Image{target}); err != nil {
		_ = cmd.End()
		return fail(err)
	}
	cmd.TransitionImage(target, rhi.ImageLayoutUndefined, rhi.ImageLayoutGeneral)
	cmd.PushConstants(0, push.Encode())
	r.heap.Bind(cmd)
	cmd.BindPipeline(r.pipeline)
	cmd.TraceRays(r.sbtLayout.trace(r.sbt.DeviceAddress(), target.Width(), target.Height()))
	cmd.TransitionImage(target, rhi.ImageLayoutGeneral, rhi.ImageLayoutPresent)
	if err := cmd.End(); err != nil {
		r.log.Error("frame recording failed: %s", err)
		return fail(err)
	}

	value := fence.Advance()
	frame := rhi.FenceValue{Fence: fence, Value: value}
	err = r.device.Queue(rhi.QueueGraphics).Submit(rhi.SubmitDesc{
		Lists:  []rhi.CommandList{cmd},
		Wait:   []rhi.FenceValue{uploaded, {Fence: fence, Value: value - 1}},
		Signal: []rhi.FenceValue{frame},
	})
	if err != nil {
		r.log.Error("frame %d submission failed: %s", value, err)
		return fail(err)
	}
	if built {
		r.builder.SetBuildFence(frame)
		r.rebuild = false
	}
	push.Frame++
	r.push = push
	r.lastFrame = frame
	r.heap.Collect()
	r.collectRetired()
	return nil
}

// SyncInstances copies world transforms into the instances and requests a
// rebuild when any of them moved.
func (r *Renderer) SyncInstances(instances iter.Seq2[uint32, math.Mat4]) error {
	for id, m := range instances {
		if err := r.builder.UpdateInstanceTransform(accel.InstanceID(id), m); err != nil {
			return fmt.Errorf("sync instance %d: %w", id, err)
		}
	}
	if r.builder.Dirty() {
		r.rebuild = true
	}
	return nil
}

// RebuildPending reports whether AddMesh or SyncInstances requested an
// acceleration structure rebuild that no Render has recorded yet.
func (r *Renderer) RebuildPending() bool {
	return r.rebuild
}

func (r *Renderer) PushConstants() PushConstants {
	return r.push
}

// InstanceCount is the number of instances recorded so far. Instance ids
// are assigned in AddMesh order starting at zero.
func (r *Renderer) InstanceCount() uint32 {
	return r.instances
}

// Destroy waits for the last frame and releases everything the renderer
// created.
func (r *Renderer) Destroy() {
	if err := r.lastFrame.Wait(context.Background()); err != nil {
		r.log.Warn("renderer destroyed with a frame in flight: %s", err)
	}
	for _, rr := range r.retired {
		if err := rr.after.Wait(context.Background()); err != nil {
			r.log.Warn("destroying %T before its uploads completed: %s", rr.res, err)
		}
		rr.res.Destroy()
	}
	r.retired = nil
	r.builder.Destroy()
	for _, m := range r.meshes {
		m.release()
	}
	r.meshes = nil
	for i, img := range r.textures {
		img.Destroy()
		_ = r.heap.Free(rhi.DescriptorSampledImage, r.texSlots[i])
	}
	r.textures, r.texSlots = nil, nil
	if r.pool != nil {
		_ = r.heap.Free(rhi.DescriptorSampler, r.samplerSlot)
		_ = r.heap.Free(rhi.DescriptorStorageImage, r.outputSlot)
	}
	for _, b := range []rhi.Buffer{r.sbt, r.materialBuf, r.meshBuf} {
		if b != nil {
			b.Destroy()
		}
	}
	if r.sampler != nil {
		r.sampler.Destroy()
	}
	if r.pool != nil {
		r.pool.Destroy()
	}
	if r.pipeline != nil {
		r.pipeline.Destroy()
	}
}
