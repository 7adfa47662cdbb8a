// Package vulkan is the goki/vulkan implementation of the rhi device. It
// runs headless: buffers, images, samplers, the bindless descriptor set,
// copies and layout transitions go through the driver, while the ray
// tracing entry points report rhi.ErrUnsupported because the bindings
// expose no KHR ray tracing commands.
package vulkan

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/platform"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

const BackendName = "vulkan"

const validationLayer = "VK_LAYER_KHRONOS_validation"

func init() {
	rhi.Register(BackendName, func(opts rhi.Options) (rhi.Device, error) {
		return New(opts)
	})
}

// debugLog receives validation messages. The callback carries no user
// data, so the most recently opened device owns it.
var debugLog atomic.Pointer[core.Logger]

var loaded atomic.Bool

// load points the bindings at the loader glfw found.
func load() error {
	if loaded.Load() {
		return nil
	}
	procAddr, err := platform.VulkanProcAddr()
	if err != nil {
		return err
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return fmt.Errorf("vulkan init: %w", err)
	}
	loaded.Store(true)
	return nil
}

func (d *Device) createInstance(appName string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(appName),
		PEngineName:        safeString("Raylight"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := []string{}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}

	layers := []string{}
	if d.validation {
		ok, err := layerAvailable(validationLayer)
		if err != nil {
			return err
		}
		if ok {
			layers = append(layers, validationLayer)
			extensions = append(extensions, vk.ExtDebugReportExtensionName)
		} else {
			d.log.Warn("validation layer %s is missing, continuing without it", validationLayer)
			d.validation = false
		}
	}
	for _, e := range extensions {
		d.log.Debug("instance extension: %s", e)
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = safeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = safeStrings(layers)

	var instance vk.Instance
	if err := check(vk.CreateInstance(&createInfo, nil, &instance), "vkCreateInstance"); err != nil {
		d.log.Error("failed in creating the Vulkan Instance: %s", err)
		return err
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return err
	}
	d.instance = instance
	d.log.Info("Vulkan Instance created.")

	if d.validation {
		debugLog.Store(d.log)
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(d.instance, &debugCreateInfo, nil, &dbg)); err != nil {
			d.log.Error("vk.CreateDebugReportCallback failed with %s", err)
			return err
		}
		d.debug = dbg
		d.log.Debug("Vulkan debugger created.")
	}
	return nil
}

func layerAvailable(name string) (bool, error) {
	var count uint32
	if err := check(vk.EnumerateInstanceLayerProperties(&count, nil), "vkEnumerateInstanceLayerProperties"); err != nil {
		return false, err
	}
	layers := make([]vk.LayerProperties, count)
	if err := check(vk.EnumerateInstanceLayerProperties(&count, layers), "vkEnumerateInstanceLayerProperties"); err != nil {
		return false, err
	}
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == name {
			return true, nil
		}
	}
	return false, nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	log := debugLog.Load()
	if log == nil {
		return vk.Bool32(vk.False)
	}
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		log.Error("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		log.Warn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		log.Warn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		log.Debug("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}

func (d *Device) CreateAccelerationStructure(desc rhi.AccelerationStructureDesc) (rhi.AccelerationStructure, error) {
	return nil, fmt.Errorf("%s %s: %w", desc.Kind, desc.Label, rhi.ErrUnsupported)
}

func (d *Device) CreateRayTracingPipeline(desc rhi.RayTracingPipelineDesc) (rhi.Pipeline, error) {
	return nil, fmt.Errorf("pipeline %s: %w", desc.Label, rhi.ErrUnsupported)
}
