package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spaghettifunk/raylight/engine/assets"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/platform"
	"github.com/spaghettifunk/raylight/engine/renderer"
	"github.com/spaghettifunk/raylight/engine/renderer/components"
	"github.com/spaghettifunk/raylight/engine/scene"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageBooting:
		return "booting"
	case EngineStageBootComplete:
		return "boot complete"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	default:
		return "uninitialized"
	}
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    bool
	config       *core.Config
	log          *core.Logger
	messages     *core.MessageQueue
	platform     *platform.Platform
	assetManager *assets.Manager
	renderer     *renderer.Renderer
	world        *scene.World
	camera       *components.Camera
	clock        *core.Clock
	stats        *core.FrameStats
	lastTime     float64
	frameCount   uint32
	scenePath    string
}

// New boots the engine: it creates the message queue, the asset manager and
// the renderer. Nothing is shown or loaded until Initialize.
func New(cfg *core.Config, log *core.Logger, g *Game) (*Engine, error) {
	e := &Engine{
		currentStage: EngineStageBooting,
		gameInstance: g,
		config:       cfg,
		log:          log,
		messages:     core.NewMessageQueue(64),
		world:        scene.NewWorld(),
		camera:       components.NewCamera(cfg.Renderer.Fov),
		clock:        core.NewClock(),
		stats:        core.NewFrameStats(),
	}
	e.platform = platform.New(log.With("platform"), e.messages)

	am, err := assets.NewManager(log, e.messages, cfg.Renderer.MaxTextureSize)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}
	e.assetManager = am

	r, err := renderer.New(log, cfg)
	if err != nil {
		_ = am.Close()
		return nil, err
	}
	e.renderer = r

	e.currentStage = EngineStageBootComplete
	return e, nil
}

// Application returns the services handed to the game.
func (e *Engine) Application() *Application {
	return &Application{
		Config:   e.config,
		Log:      e.log.With("game"),
		Messages: e.messages,
		Platform: e.platform,
		Assets:   e.assetManager,
		Renderer: e.renderer,
		World:    e.world,
		Camera:   e.camera,
		Stats:    e.stats,
	}
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageBootComplete {
		return fmt.Errorf("%w: engine is %s", core.ErrNotInitialized, e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	app := e.config.Application
	if app.Window {
		if err := e.platform.Startup(app.Name, 100, 100, app.Width, app.Height); err != nil {
			return err
		}
	}

	if app.AssetDir != "" {
		if _, err := os.Stat(app.AssetDir); err == nil {
			if err := e.assetManager.Watch(app.AssetDir); err != nil {
				e.log.Error("failed to watch %s: %s", app.AssetDir, err)
				return err
			}
		} else {
			e.log.Warn("asset directory %s not found, hot reload disabled", app.AssetDir)
		}
	}

	if e.gameInstance.App == nil {
		e.gameInstance.App = e.Application()
	}
	if app.Scene != "" {
		if err := e.loadScene(app.Scene); err != nil {
			return err
		}
	}
	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(); err != nil {
			e.log.Error("failed to initialize the game: %s", err)
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

// loadScene reads a scene file through the asset manager and places its
// instances in the world.
func (e *Engine) loadScene(path string) error {
	path = filepath.Clean(path)
	if _, ok := e.assetManager.Lookup(path); !ok {
		joined := filepath.Join(e.config.Application.AssetDir, path)
		if _, ok := e.assetManager.Lookup(joined); ok {
			path = joined
		}
	}
	model, err := e.assetManager.LoadScene(path)
	if err != nil {
		return err
	}
	if _, err := e.gameInstance.App.Spawn(model); err != nil {
		e.log.Error("failed to add scene %s: %s", path, err)
		return err
	}
	e.scenePath = path
	e.log.Info("scene %s loaded: %d meshes, %d instances", path, len(model.Meshes), len(model.Instances))
	return nil
}

// reloadScene starts from an empty renderer scene and a fresh world. Models
// the game added itself are gone too, which is why OnReload exists.
func (e *Engine) reloadScene() error {
	if err := e.renderer.ResetScene(); err != nil {
		return err
	}
	e.world = scene.NewWorld()
	e.gameInstance.App.World = e.world
	if err := e.loadScene(e.scenePath); err != nil {
		return err
	}
	if e.gameInstance.FnOnReload != nil {
		return e.gameInstance.FnOnReload()
	}
	return nil
}

// Quit asks the running loop to stop at the start of the next frame. Safe
// to call from any goroutine.
func (e *Engine) Quit() {
	e.messages.Post(core.Message{Code: core.MESSAGE_CODE_APPLICATION_QUIT, Sender: e})
}

func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("%w: engine is %s", core.ErrNotInitialized, e.currentStage)
	}
	e.currentStage = EngineStageRunning
	e.isRunning = true

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for e.isRunning {
		e.platform.PumpMessages()
		if e.platform.ShouldClose() {
			e.Quit()
		}
		e.messages.Drain(e.onMessage)
		if !e.isRunning {
			break
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		frameStartTime := currentTime

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				e.log.Error("game update failed, shutting down: %s", err)
				return err
			}
		}

		packet := &renderer.RenderPacket{
			DeltaTime: delta,
			Camera:    e.camera,
			Instances: e.world.Instances(),
		}
		if e.gameInstance.FnRender != nil {
			if err := e.gameInstance.FnRender(packet, delta); err != nil {
				e.log.Error("game render failed, shutting down: %s", err)
				return err
			}
		}

		// a failed frame is a lost device or a broken frame; there is
		// nothing partial to show
		core.Verify(e.log, e.renderer.DrawFrame(packet))

		e.clock.Update()
		e.stats.Update(e.clock.Elapsed() - frameStartTime)
		e.frameCount++
		if e.stats.Total()%120 == 0 {
			e.log.Debug("%.1f fps (%.2f ms)", e.stats.FPS(), e.stats.FrameTime()*1000)
		}

		if limit := e.config.Application.Frames; limit > 0 && e.frameCount >= limit {
			e.log.Info("rendered %d frames", e.frameCount)
			e.isRunning = false
		}
		e.lastTime = currentTime
	}

	return e.writeSnapshot()
}

func (e *Engine) writeSnapshot() error {
	out := e.config.Application.Output
	if out == "" || e.renderer.Frames() == 0 {
		return nil
	}
	if err := e.renderer.WriteSnapshot(context.Background(), out); err != nil {
		e.log.Error("failed to write %s: %s", out, err)
		return err
	}
	e.log.Info("last frame written to %s", out)
	return nil
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			e.log.Warn("game shutdown: %s", err)
		}
	}
	if e.renderer != nil {
		e.renderer.Shutdown()
	}
	if err := e.assetManager.Close(); err != nil {
		return err
	}
	return e.platform.Shutdown()
}

// GetFramebufferSize returns the width and height (in this order) of the
// frame target.
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.config.Application.Width, e.config.Application.Height
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) onMessage(m core.Message) {
	switch m.Code {
	case core.MESSAGE_CODE_APPLICATION_QUIT:
		e.log.Info("MESSAGE_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning = false
	case core.MESSAGE_CODE_RESIZED:
		e.onResized(m.Data.U32[0], m.Data.U32[1])
	case core.MESSAGE_CODE_ASSET_CHANGED:
		e.onAssetChanged(m.Data.Path, assets.Kind(m.Data.U32[0]))
	}
}

func (e *Engine) onResized(width, height uint32) {
	if width == 0 || height == 0 {
		return
	}
	if width == e.config.Application.Width && height == e.config.Application.Height {
		return
	}
	e.log.Debug("window resize: %d, %d", width, height)
	core.Verify(e.log, e.renderer.OnResize(width, height))
	e.config.Application.Width = width
	e.config.Application.Height = height
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			e.log.Warn("game resize: %s", err)
		}
	}
}

// onAssetChanged reloads the scene when its file or any texture changes.
// A scene that fails to parse keeps the previous frame content.
func (e *Engine) onAssetChanged(path string, kind assets.Kind) {
	if e.scenePath == "" {
		return
	}
	switch {
	case kind == assets.KindScene && filepath.Clean(path) == e.scenePath:
	case kind == assets.KindTexture:
	default:
		return
	}
	if _, err := e.assetManager.LoadScene(e.scenePath); err != nil {
		e.log.Warn("keeping the current scene: %s", err)
		return
	}
	e.log.Info("%s %s changed, reloading %s", kind, path, e.scenePath)
	core.Verify(e.log, e.reloadScene())
}
