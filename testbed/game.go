package testbed

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/raylight/engine"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer"
	"github.com/spaghettifunk/raylight/engine/scene"
)

const (
	tempMoveSpeed float32 = 2.5
	orbitSpeed    float32 = 0.4
	spinSpeed     float32 = 0.8
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	// manual is set once a movement key was pressed; the camera stops
	// orbiting from then on
	manual      bool
	orbitAngle  float32
	orbitRadius float32
	orbitHeight float32

	spinning []scene.EntityID
	spin     float32
}

func NewTestGame() *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			State: &gameState{
				orbitRadius: 5,
				orbitHeight: 1.5,
			},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnOnReload = tg.OnReload
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) Initialize() error {
	g.App.Log.Debug("TestGame Initialize fn....")
	state := g.State.(*gameState)

	if g.App.World.Count() == 0 {
		ids, err := g.App.Spawn(builtinModel())
		if err != nil {
			g.App.Log.Error("failed to spawn the builtin scene: %s", err)
			return err
		}
		// the first two instances are the cubes
		state.spinning = ids[:2]
	}
	g.placeCamera(state)
	return nil
}

// builtinModel is the scene used when no scene file is configured: a
// checkered floor, two cubes and an alpha tested fence.
func builtinModel() *scene.Model {
	checker := scene.NewCheckerTexture("checker", 64, 8, [4]byte{220, 220, 220, 255}, [4]byte{60, 60, 70, 255})
	fence := scene.NewCheckerTexture("fence", 64, 4, [4]byte{240, 180, 60, 255}, [4]byte{0, 0, 0, 0})

	floor := scene.NewQuad(12, 0)
	floor.Name = "floor"
	cube := scene.NewCube(1, 1)
	cube.Name = "cube"
	panel := scene.NewQuad(2, 2)
	panel.Name = "fence"

	return &scene.Model{
		Name: "builtin",
		Textures: []scene.Texture{
			checker,
			fence,
		},
		Materials: []scene.Material{
			{Name: "floor", BaseColor: math.NewVec4One(), TextureIndex: 0},
			{Name: "red", BaseColor: math.NewVec4(0.9, 0.2, 0.15, 1), TextureIndex: scene.NoTexture},
			{Name: "fence", BaseColor: math.NewVec4One(), TextureIndex: 1, AlphaBlend: true},
		},
		Meshes: []scene.Mesh{floor, cube, panel},
		Instances: []scene.Instance{
			{Mesh: 1, Transform: math.NewMat4Translation(math.NewVec3(-1.2, 0, 0))},
			{Mesh: 1, Transform: math.NewMat4Translation(math.NewVec3(1.2, 0, 0))},
			{Mesh: 0, Transform: math.NewQuatFromAxisAngle(math.NewVec3Right(), -math32.Pi/2, false).ToMat4().Mul(math.NewMat4Translation(math.NewVec3(0, -0.5, 0)))},
			{Mesh: 2, Transform: math.NewMat4Translation(math.NewVec3(0, 0.5, -2))},
		},
	}
}

func (g *TestGame) placeCamera(state *gameState) {
	camera := g.App.Camera
	camera.SetPosition(math.NewVec3(
		state.orbitRadius*math32.Sin(state.orbitAngle),
		state.orbitHeight,
		state.orbitRadius*math32.Cos(state.orbitAngle),
	))
	camera.LookAt(math.NewVec3Zero())
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.State.(*gameState)
	dt := float32(deltaTime)
	camera := g.App.Camera
	p := g.App.Platform

	moved := false
	move := func(key glfw.Key, fn func(float32)) {
		if p.KeyDown(key) {
			fn(tempMoveSpeed * dt)
			moved = true
		}
	}
	move(glfw.KeyW, camera.MoveForward)
	move(glfw.KeyS, camera.MoveBackward)
	move(glfw.KeyQ, camera.MoveLeft)
	move(glfw.KeyE, camera.MoveRight)
	move(glfw.KeySpace, camera.MoveUp)
	move(glfw.KeyX, camera.MoveDown)
	if p.KeyDown(glfw.KeyA) || p.KeyDown(glfw.KeyLeft) {
		camera.Yaw(dt)
		moved = true
	}
	if p.KeyDown(glfw.KeyD) || p.KeyDown(glfw.KeyRight) {
		camera.Yaw(-dt)
		moved = true
	}
	if p.KeyDown(glfw.KeyUp) {
		camera.Pitch(dt)
		moved = true
	}
	if p.KeyDown(glfw.KeyDown) {
		camera.Pitch(-dt)
		moved = true
	}
	if p.KeyDown(glfw.KeyP) {
		g.App.Log.Debug("Pos:[%.2f, %.2f, %.2f]", camera.Position.X, camera.Position.Y, camera.Position.Z)
	}
	state.manual = state.manual || moved

	if !state.manual {
		state.orbitAngle += orbitSpeed * dt
		g.placeCamera(state)
	}

	state.spin += spinSpeed * dt
	rotation := math.NewQuatFromAxisAngle(math.NewVec3Up(), state.spin, false)
	for _, id := range state.spinning {
		if t, ok := g.App.World.Transform(id); ok {
			t.SetRotation(rotation)
		}
	}
	return nil
}

func (g *TestGame) Render(packet *renderer.RenderPacket, deltaTime float64) error {
	if fps := g.App.Stats.FPS(); fps > 0 && g.App.Stats.Total()%300 == 0 {
		g.App.Log.Info("%.1f fps, %d entities", fps, g.App.World.Count())
	}
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	g.App.Log.Debug("testbed resized to %dx%d", width, height)
	return nil
}

// OnReload drops the entity ids of the previous world.
func (g *TestGame) OnReload() error {
	state := g.State.(*gameState)
	state.spinning = nil
	return nil
}

func (g *TestGame) Shutdown() error {
	g.App.Log.Debug("testbed shutting down")
	return nil
}
