package engine

import (
	"github.com/spaghettifunk/raylight/engine/assets"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/platform"
	"github.com/spaghettifunk/raylight/engine/renderer"
	"github.com/spaghettifunk/raylight/engine/renderer/components"
	"github.com/spaghettifunk/raylight/engine/scene"
)

// Application is what the engine hands the game once it is initialized.
// Everything here is owned by the engine; the game must not shut any of it
// down.
type Application struct {
	Config   *core.Config
	Log      *core.Logger
	Messages *core.MessageQueue
	Platform *platform.Platform
	Assets   *assets.Manager
	Renderer *renderer.Renderer
	// World is replaced when the scene reloads. Entity ids from the old
	// world no longer resolve.
	World  *scene.World
	Camera *components.Camera
	Stats  *core.FrameStats
}

// Spawn hands model to the renderer and places one entity per model
// instance, returning their ids in instance order.
func (a *Application) Spawn(model *scene.Model) ([]scene.EntityID, error) {
	first, err := a.Renderer.AddModel(model)
	if err != nil {
		return nil, err
	}
	ids := make([]scene.EntityID, len(model.Instances))
	for i, inst := range model.Instances {
		name := model.Name
		if inst.Mesh < len(model.Meshes) && model.Meshes[inst.Mesh].Name != "" {
			name = model.Meshes[inst.Mesh].Name
		}
		ids[i] = a.World.SpawnPlaced(name, first+uint32(i), inst.Transform, nil)
	}
	return ids, nil
}
