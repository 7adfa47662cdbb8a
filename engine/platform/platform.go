package platform

import (
	"errors"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/raylight/engine/core"
)

var ErrNoVulkanLoader = errors.New("platform: no Vulkan loader found")

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

var (
	glfwOnce sync.Once
	glfwErr  error
)

func initGLFW() error {
	glfwOnce.Do(func() {
		glfwErr = glfw.Init()
	})
	return glfwErr
}

// VulkanProcAddr initialises glfw if needed and returns the loader's
// vkGetInstanceProcAddr.
func VulkanProcAddr() (unsafe.Pointer, error) {
	if err := initGLFW(); err != nil {
		return nil, err
	}
	if !glfw.VulkanSupported() {
		return nil, ErrNoVulkanLoader
	}
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return nil, ErrNoVulkanLoader
	}
	return procAddr, nil
}

// Platform owns the optional native window. Its callbacks only post to
// the message queue; the engine handles them when it drains the queue.
type Platform struct {
	log       *core.Logger
	messages  *core.MessageQueue
	Window    *glfw.Window
	startTime float64
}

func New(log *core.Logger, messages *core.MessageQueue) *Platform {
	return &Platform{
		log:      log,
		messages: messages,
	}
}

func (p *Platform) Startup(applicationName string, x, y, width, height uint32) error {
	if err := initGLFW(); err != nil {
		p.log.Error("failed to initialize glfw: %s", err)
		return err
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		p.log.Error("failed to create window: %s", err)
		return err
	}
	p.Window = window

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetCloseCallback(p.closeCallback)
	p.Window.SetPos(int(x), int(y))
	p.Window.Show()

	p.startTime = glfw.GetTime()
	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
		glfw.Terminate()
	}
	return nil
}

// PumpMessages runs the window callbacks. Without a window it does nothing.
func (p *Platform) PumpMessages() {
	if p.Window != nil {
		glfw.PollEvents()
	}
}

func (p *Platform) ShouldClose() bool {
	return p.Window != nil && p.Window.ShouldClose()
}

// KeyDown reports whether key is held. It is always false without a
// window.
func (p *Platform) KeyDown(key glfw.Key) bool {
	return p.Window != nil && p.Window.GetKey(key) == glfw.Press
}

// GetAbsoluteTime is the time in seconds since Startup.
func (p *Platform) GetAbsoluteTime() float64 {
	if p.Window == nil {
		return 0
	}
	return glfw.GetTime() - p.startTime
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		p.messages.Post(core.Message{Code: core.MESSAGE_CODE_APPLICATION_QUIT, Sender: p})
	}
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	if width <= 0 || height <= 0 {
		// minimised
		return
	}
	m := core.Message{Code: core.MESSAGE_CODE_RESIZED, Sender: p}
	m.Data.U32[0] = uint32(width)
	m.Data.U32[1] = uint32(height)
	p.messages.Post(m)
}

func (p *Platform) closeCallback(w *glfw.Window) {
	p.messages.Post(core.Message{Code: core.MESSAGE_CODE_APPLICATION_QUIT, Sender: p})
}
