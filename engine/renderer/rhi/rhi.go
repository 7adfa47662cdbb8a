// Package rhi defines the render hardware interface: the backend-neutral
// device, queue, fence, memory and ray-tracing contracts the renderer is
// written against. Backends register themselves from init and one of them
// is opened at startup by name.
package rhi

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/spaghettifunk/raylight/engine/core"
)

var (
	// ErrDeviceLost means the device can no longer execute work. Everything
	// created from it must be destroyed.
	ErrDeviceLost = errors.New("rhi: device lost")
	// ErrOutOfDeviceMemory means an allocation could not be satisfied.
	ErrOutOfDeviceMemory = errors.New("rhi: out of device memory")
	// ErrUnsupported means the backend does not implement the requested
	// feature.
	ErrUnsupported = errors.New("rhi: unsupported by backend")
	// ErrNoDevice means no suitable device was found.
	ErrNoDevice = errors.New("rhi: no suitable device found")
	// ErrUnknownBackend is returned by Open for unregistered names.
	ErrUnknownBackend = errors.New("rhi: unknown backend")
)

// Options are handed to a backend factory.
type Options struct {
	Log        *core.Logger
	Config     *core.Config
	AppName    string
	Validation bool
}

// Factory creates a device for a registered backend.
type Factory func(opts Options) (Device, error)

var (
	mu       sync.Mutex
	backends = map[string]Factory{}
)

// Register makes a backend available to Open. Backends call it once from
// an init function; registering a name twice replaces the previous factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	backends[name] = f
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	mu.Lock()
	defer mu.Unlock()
	return slices.Sorted(maps.Keys(backends))
}

// Open creates a device from the named backend.
func Open(name string, opts Options) (Device, error) {
	mu.Lock()
	f, ok := backends[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %q (registered: %v): %w", name, Backends(), ErrUnknownBackend)
	}
	if opts.Log == nil {
		opts.Log = core.NewDiscardLogger()
	}
	if opts.Config == nil {
		opts.Config = core.DefaultConfig()
	}
	return f(opts)
}
