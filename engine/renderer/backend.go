package renderer

import (
	"errors"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
	"github.com/spaghettifunk/raylight/engine/renderer/soft"
	_ "github.com/spaghettifunk/raylight/engine/renderer/vulkan"
)

// OpenDevice opens the backend named in the config. A device that cannot
// trace rays, or a backend that fails to open, falls back to the software
// device so the engine always has something to render with.
func OpenDevice(log *core.Logger, cfg *core.Config) (rhi.Device, error) {
	name := cfg.Renderer.Backend
	if name == "" {
		name = soft.BackendName
	}
	opts := rhi.Options{
		Log:        log.With(name),
		Config:     cfg,
		AppName:    cfg.Application.Name,
		Validation: cfg.Renderer.Validation,
	}

	device, err := rhi.Open(name, opts)
	switch {
	case errors.Is(err, rhi.ErrUnknownBackend):
		return nil, err
	case err != nil:
		log.Warn("backend %s failed to open: %s", name, err)
	case !device.Features().RayTracing:
		log.Warn("device %s (%s) has no ray tracing support", device.Name(), device.Backend())
		device.Destroy()
	default:
		return device, nil
	}

	if name == soft.BackendName {
		return nil, rhi.ErrNoDevice
	}
	log.Info("falling back to the %s backend", soft.BackendName)
	opts.Log = log.With(soft.BackendName)
	return rhi.Open(soft.BackendName, opts)
}
