package engine

import (
	"github.com/spaghettifunk/raylight/engine/renderer"
)

// Game is the set of hooks the engine calls. Any hook may be nil.
type Game struct {
	App          *Application
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnOnResize   OnResize
	FnOnReload   OnReload
	FnShutdown   Shutdown
}

type Initialize func() error
type Update func(deltaTime float64) error
type Render func(packet *renderer.RenderPacket, deltaTime float64) error
type OnResize func(width uint32, height uint32) error

// OnReload runs after the scene was reloaded into a fresh world.
type OnReload func() error
type Shutdown func() error
