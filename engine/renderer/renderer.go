package renderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"iter"
	"os"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/components"
	"github.com/spaghettifunk/raylight/engine/renderer/descriptors"
	"github.com/spaghettifunk/raylight/engine/renderer/raytracing"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
	"github.com/spaghettifunk/raylight/engine/renderer/transfer"
	"github.com/spaghettifunk/raylight/engine/scene"
)

var (
	ErrNoFrame  = errors.New("renderer: no frame rendered yet")
	ErrNotReady = errors.New("renderer: scene or frame target was not recreated")
)

// RenderPacket is what the engine hands the renderer every frame.
type RenderPacket struct {
	DeltaTime float64
	Camera    *components.Camera
	// Instances, when set, is synced into the acceleration structure before
	// the frame is traced.
	Instances iter.Seq2[uint32, math.Mat4]
}

// Renderer owns the device and everything needed to trace frames into an
// offscreen target: the transfer manager, the descriptor heap, the ray
// tracer and the frame fence.
type Renderer struct {
	log      *core.Logger
	config   *core.Config
	device   rhi.Device
	transfer *transfer.Manager
	heap     *descriptors.Heap
	tracer   *raytracing.Renderer
	target   rhi.Image
	fence    rhi.Fence
	frames   uint64
}

// New opens the configured backend and builds the frame resources for a
// width x height target.
func New(log *core.Logger, cfg *core.Config) (*Renderer, error) {
	device, err := OpenDevice(log, cfg)
	if err != nil {
		log.Error("no usable rendering device: %s", err)
		return nil, err
	}
	return NewWithDevice(log, cfg, device)
}

// NewWithDevice builds the renderer on an already opened device. The
// renderer takes ownership of the device.
func NewWithDevice(log *core.Logger, cfg *core.Config, device rhi.Device) (*Renderer, error) {
	r := &Renderer{
		log:    log.With("renderer"),
		config: cfg,
		device: device,
	}
	if err := r.initialize(); err != nil {
		r.Shutdown()
		return nil, err
	}
	r.log.Info("rendering %dx%d on %s (%s)", cfg.Application.Width, cfg.Application.Height, device.Name(), device.Backend())
	return r, nil
}

func (r *Renderer) initialize() error {
	rc := r.config.Renderer
	var err error
	r.transfer, err = transfer.New(r.log.With("transfer"), r.device, transfer.Config{StagingSize: rc.StagingSize})
	if err != nil {
		return err
	}
	r.heap, err = descriptors.New(r.log.With("descriptors"), r.device, descriptors.HeapConfig{
		SampledImages: rc.SampledImages,
		StorageImages: rc.StorageImages,
		Samplers:      rc.Samplers,
	})
	if err != nil {
		return err
	}
	r.fence, err = r.device.CreateFence("frame", 0)
	if err != nil {
		return err
	}
	if err := r.createTarget(r.config.Application.Width, r.config.Application.Height); err != nil {
		return err
	}
	return r.createTracer()
}

func (r *Renderer) createTracer() error {
	rc := r.config.Renderer
	tracer, err := raytracing.New(r.log.With("raytracing"), r.device, r.transfer, r.heap, raytracing.Config{
		MaxMeshes:    rc.MaxMeshes,
		MaxMaterials: rc.MaxMaterials,
		MaxInstances: rc.MaxInstances,
	})
	if err != nil {
		return err
	}
	r.tracer = tracer
	return nil
}

func (r *Renderer) createTarget(width, height uint32) error {
	target, err := r.device.CreateImage(rhi.ImageDesc{
		Label:  "frame target",
		Width:  width,
		Height: height,
		Format: rhi.FormatRGBA8Unorm,
		Usage:  rhi.ImageUsageStorage | rhi.ImageUsageTransferSrc,
	})
	if err != nil {
		r.log.Error("failed to create %dx%d frame target: %s", width, height, err)
		return err
	}
	r.target = target
	r.frames = 0
	return nil
}

// AddModel hands a model to the ray tracer. It returns the id of the
// model's first instance; the rest follow in order.
func (r *Renderer) AddModel(model *scene.Model) (uint32, error) {
	if r.tracer == nil {
		return 0, ErrNotReady
	}
	first := r.tracer.InstanceCount()
	if err := r.tracer.AddMesh(model); err != nil {
		return 0, err
	}
	return first, nil
}

// ResetScene drops every model added so far. When the new tracer cannot
// be created the renderer reports ErrNotReady until a later ResetScene
// succeeds.
func (r *Renderer) ResetScene() error {
	if err := r.idle(); err != nil {
		return err
	}
	if r.tracer != nil {
		r.tracer.Destroy()
		r.tracer = nil
	}
	return r.createTracer()
}

func (r *Renderer) DrawFrame(packet *RenderPacket) error {
	if r.tracer == nil || r.target == nil {
		return ErrNotReady
	}
	if packet.Instances != nil {
		if err := r.tracer.SyncInstances(packet.Instances); err != nil {
			r.log.Error(err.Error())
			return err
		}
	}
	camera := raytracing.CameraData{Rotation: math.NewQuatIdentity(), Fov: math.DegToRad(r.config.Renderer.Fov)}
	if packet.Camera != nil {
		camera = packet.Camera.Data()
	}
	if err := r.tracer.Render(r.target, r.fence, camera); err != nil {
		r.log.Error("RendererDrawFrame failed: %s", err)
		return err
	}
	r.frames++
	return nil
}

// OnResize recreates the frame target once the in-flight frames are done.
func (r *Renderer) OnResize(width, height uint32) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("resize to %dx%d", width, height)
	}
	if r.target != nil && width == r.target.Width() && height == r.target.Height() {
		return nil
	}
	if err := r.idle(); err != nil {
		return err
	}
	if r.target != nil {
		r.target.Destroy()
		r.target = nil
	}
	return r.createTarget(width, height)
}

// Snapshot reads the last traced frame back into host memory.
func (r *Renderer) Snapshot(ctx context.Context) (*image.NRGBA, error) {
	if r.target == nil {
		return nil, ErrNotReady
	}
	if r.frames == 0 {
		return nil, ErrNoFrame
	}
	if err := r.fence.Wait(ctx, r.fence.Current()); err != nil {
		return nil, err
	}
	pixels, err := r.transfer.Readback(ctx, r.target, rhi.ImageLayoutPresent)
	if err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, int(r.target.Width()), int(r.target.Height())))
	copy(img.Pix, pixels)
	return img, nil
}

// WriteSnapshot encodes the last traced frame as a PNG file.
func (r *Renderer) WriteSnapshot(ctx context.Context, path string) error {
	img, err := r.Snapshot(ctx)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func (r *Renderer) Device() rhi.Device {
	return r.device
}

func (r *Renderer) Frames() uint64 {
	return r.frames
}

// HeapStats reports descriptor slot usage per kind.
func (r *Renderer) HeapStats() [rhi.DescriptorKindCount]descriptors.KindStats {
	return r.heap.Stats()
}

func (r *Renderer) idle() error {
	ctx := context.Background()
	if r.fence != nil {
		if err := r.fence.Wait(ctx, r.fence.Current()); err != nil {
			return err
		}
	}
	if r.transfer != nil {
		return r.transfer.Wait(ctx)
	}
	return nil
}

// Shutdown waits for the device and releases everything in reverse order
// of creation.
func (r *Renderer) Shutdown() {
	if err := r.device.WaitIdle(context.Background()); err != nil {
		r.log.Warn("device did not go idle: %s", err)
	}
	if r.tracer != nil {
		r.tracer.Destroy()
		r.tracer = nil
	}
	if r.target != nil {
		r.target.Destroy()
		r.target = nil
	}
	if r.fence != nil {
		r.fence.Destroy()
		r.fence = nil
	}
	if r.heap != nil {
		r.heap.Destroy()
		r.heap = nil
	}
	if r.transfer != nil {
		r.transfer.Destroy()
		r.transfer = nil
	}
	r.device.Destroy()
}
