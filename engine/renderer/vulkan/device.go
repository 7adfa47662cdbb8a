package vulkan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type Device struct {
	log        *core.Logger
	validation bool

	instance vk.Instance
	debug    vk.DebugReportCallback
	physical vk.PhysicalDevice
	handle   vk.Device
	name     string
	memory   vk.PhysicalDeviceMemoryProperties
	features rhi.Features
	limits   rhi.Limits

	locks  *LockPool
	sched  sync.Mutex
	queues [2]*Queue

	allocated atomic.Uint64

	lost     atomic.Bool
	lostOnce sync.Once
	lostCh   chan struct{}
	lostErrV atomic.Value
}

type physicalDeviceRequirements struct {
	Graphics             bool
	Transfer             bool
	DeviceExtensionNames []string
	DiscreteGPU          bool
}

type queueFamilyInfo struct {
	GraphicsFamilyIndex int32
	TransferFamilyIndex int32
}

type candidate struct {
	device     vk.PhysicalDevice
	properties vk.PhysicalDeviceProperties
	queues     queueFamilyInfo
	discrete   bool
}

// New opens the first suitable GPU, preferring discrete ones. Every
// failure after the instance exists tears down what was built.
func New(opts rhi.Options) (*Device, error) {
	log := opts.Log
	if log == nil {
		log = core.NewDiscardLogger()
	}
	d := &Device{
		log:        log.With("vulkan"),
		validation: opts.Validation,
		locks:      NewLockPool(),
		lostCh:     make(chan struct{}),
	}
	if err := load(); err != nil {
		return nil, err
	}
	if err := d.createInstance(opts.AppName); err != nil {
		d.Destroy()
		return nil, err
	}
	if err := d.createDevice(); err != nil {
		d.Destroy()
		return nil, err
	}
	return d, nil
}

func (d *Device) selectPhysicalDevice() (candidate, error) {
	var count uint32
	if err := check(vk.EnumeratePhysicalDevices(d.instance, &count, nil), "vkEnumeratePhysicalDevices"); err != nil {
		return candidate{}, err
	}
	if count == 0 {
		return candidate{}, fmt.Errorf("no devices which support Vulkan were found: %w", rhi.ErrNoDevice)
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := check(vk.EnumeratePhysicalDevices(d.instance, &count, devices), "vkEnumeratePhysicalDevices"); err != nil {
		return candidate{}, err
	}

	requirements := physicalDeviceRequirements{
		Graphics: true,
		Transfer: true,
	}
	var found []candidate
	for _, pd := range devices {
		properties := vk.PhysicalDeviceProperties{}
		vk.GetPhysicalDeviceProperties(pd, &properties)
		properties.Deref()
		queues, ok := d.meetsRequirements(pd, &properties, &requirements)
		if !ok {
			continue
		}
		found = append(found, candidate{
			device:     pd,
			properties: properties,
			queues:     queues,
			discrete:   properties.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu,
		})
	}
	if len(found) == 0 {
		return candidate{}, fmt.Errorf("no physical devices were found which meet the requirements: %w", rhi.ErrNoDevice)
	}
	// discrete first, enumeration order otherwise
	slices.SortStableFunc(found, func(a, b candidate) int {
		switch {
		case a.discrete == b.discrete:
			return 0
		case a.discrete:
			return -1
		}
		return 1
	})
	return found[0], nil
}

func (d *Device) meetsRequirements(pd vk.PhysicalDevice, properties *vk.PhysicalDeviceProperties, requirements *physicalDeviceRequirements) (queueFamilyInfo, bool) {
	name := vk.ToString(properties.DeviceName[:])
	out := queueFamilyInfo{GraphicsFamilyIndex: -1, TransferFamilyIndex: -1}
	if requirements.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		d.log.Info("Device %s is not a discrete GPU, and one is required. Skipping.", name)
		return out, false
	}

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &familyCount, families)

	minTransferScore := 255
	for i := range families {
		families[i].Deref()
		flags := families[i].QueueFlags
		score := 0
		if flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			if out.GraphicsFamilyIndex < 0 {
				out.GraphicsFamilyIndex = int32(i)
			}
			score++
		}
		if flags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
			score++
		}
		// the family doing the least besides transfers is most likely a
		// dedicated DMA queue
		if flags&vk.QueueFlags(vk.QueueTransferBit) != 0 && score < minTransferScore {
			minTransferScore = score
			out.TransferFamilyIndex = int32(i)
		}
	}
	if out.TransferFamilyIndex < 0 {
		out.TransferFamilyIndex = out.GraphicsFamilyIndex
	}
	d.log.Debug("%s: graphics family %d, transfer family %d", name, out.GraphicsFamilyIndex, out.TransferFamilyIndex)

	if requirements.Graphics && out.GraphicsFamilyIndex < 0 {
		d.log.Info("Device %s has no graphics queue, skipping.", name)
		return out, false
	}
	if requirements.Transfer && out.TransferFamilyIndex < 0 {
		d.log.Info("Device %s has no transfer queue, skipping.", name)
		return out, false
	}
	if len(requirements.DeviceExtensionNames) > 0 {
		available, err := deviceExtensions(pd)
		if err != nil {
			d.log.Warn("Device %s: %s", name, err)
			return out, false
		}
		for _, ext := range requirements.DeviceExtensionNames {
			if !slices.Contains(available, ext) {
				d.log.Info("Required extension not found: '%s', skipping device.", ext)
				return out, false
			}
		}
	}
	return out, true
}

func deviceExtensions(pd vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if err := check(vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	props := make([]vk.ExtensionProperties, count)
	if err := check(vk.EnumerateDeviceExtensionProperties(pd, "", &count, props), "vkEnumerateDeviceExtensionProperties"); err != nil {
		return nil, err
	}
	names := make([]string, len(props))
	for i := range props {
		props[i].Deref()
		names[i] = cString(props[i].ExtensionName[:])
	}
	return names, nil
}

func (d *Device) createDevice() error {
	selected, err := d.selectPhysicalDevice()
	if err != nil {
		d.log.Error(err.Error())
		return err
	}
	d.physical = selected.device
	properties := selected.properties
	properties.Limits.Deref()
	d.name = vk.ToString(properties.DeviceName[:])

	apiVersion := vk.Version(properties.ApiVersion)
	d.log.Info("Selected device: '%s' (discrete %t), Vulkan API version: %d.%d.%d",
		d.name, selected.discrete,
		vk.Version.Major(apiVersion),
		vk.Version.Minor(apiVersion),
		vk.Version.Patch(apiVersion),
	)

	vk.GetPhysicalDeviceMemoryProperties(d.physical, &d.memory)
	d.memory.Deref()
	for i := uint32(0); i < d.memory.MemoryHeapCount; i++ {
		heap := d.memory.MemoryHeaps[i]
		heap.Deref()
		gib := float64(heap.Size) / (1 << 30)
		if vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			d.log.Info("Local GPU memory: %.2f GiB", gib)
		} else {
			d.log.Info("Shared System memory: %.2f GiB", gib)
		}
	}

	extensions := []string{}
	if available, err := deviceExtensions(d.physical); err == nil && slices.Contains(available, "VK_KHR_portability_subset") {
		d.log.Info("Adding required extension 'VK_KHR_portability_subset'.")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	graphics := uint32(selected.queues.GraphicsFamilyIndex)
	transfer := uint32(selected.queues.TransferFamilyIndex)
	families := []uint32{graphics}
	if transfer != graphics {
		families = append(families, transfer)
	}
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, family := range families {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	// bindless heap bindings are partially bound and updated after bind
	indexing := properties.ApiVersion >= vk.MakeVersion(1, 2, 0)
	var next unsafe.Pointer
	if indexing {
		next = unsafe.Pointer(&vk.PhysicalDeviceVulkan12Features{
			SType:                                        vk.StructureTypePhysicalDeviceVulkan12Features,
			DescriptorIndexing:                           vk.True,
			DescriptorBindingSampledImageUpdateAfterBind: vk.True,
			DescriptorBindingStorageImageUpdateAfterBind: vk.True,
			DescriptorBindingUpdateUnusedWhilePending:    vk.True,
			DescriptorBindingPartiallyBound:              vk.True,
			RuntimeDescriptorArray:                       vk.True,
		})
	}
	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		PNext:                   next,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}
	var handle vk.Device
	if err := check(vk.CreateDevice(d.physical, &deviceCreateInfo, nil, &handle), "vkCreateDevice"); err != nil {
		d.log.Error("failed to create logical device: %s", err)
		return err
	}
	d.handle = handle
	d.log.Info("Logical device created.")

	d.features = rhi.Features{
		DescriptorIndexing: indexing,
	}
	d.limits = rhi.Limits{
		MaxPushConstantSize: properties.Limits.MaxPushConstantsSize,
		MaxImageDimension:   properties.Limits.MaxImageDimension2D,
	}

	if d.queues[rhi.QueueGraphics], err = d.newQueue(rhi.QueueGraphics, graphics); err != nil {
		return err
	}
	if d.queues[rhi.QueueCopy], err = d.newQueue(rhi.QueueCopy, transfer); err != nil {
		return err
	}
	d.log.Info("Queues obtained (graphics family %d, transfer family %d).", graphics, transfer)
	return nil
}

func (d *Device) Name() string { return d.name }
func (d *Device) Backend() string { return BackendName }
func (d *Device) Features() rhi.Features { return d.features }
func (d *Device) Limits() rhi.Limits { return d.limits }

func (d *Device) Queue(kind rhi.QueueKind) rhi.Queue {
	return d.queues[kind]
}

// MemoryInUse reports the bytes of device memory currently allocated.
func (d *Device) MemoryInUse() uint64 {
	return d.allocated.Load()
}

func (d *Device) WaitIdle(ctx context.Context) error {
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		if err := q.WaitIdle(ctx); err != nil {
			return err
		}
	}
	if d.handle == nil {
		return nil
	}
	return check(vk.DeviceWaitIdle(d.handle), "vkDeviceWaitIdle")
}

func (d *Device) Destroy() {
	for i, q := range d.queues {
		if q != nil {
			q.close()
			d.queues[i] = nil
		}
	}
	if d.handle != nil {
		vk.DeviceWaitIdle(d.handle)
		d.log.Info("Destroying logical device...")
		vk.DestroyDevice(d.handle, nil)
		d.handle = nil
	}
	d.physical = nil
	if d.debug != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(d.instance, d.debug, nil)
		d.debug = vk.NullDebugReportCallback
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
}

func (d *Device) markLost(cause error) {
	d.lostOnce.Do(func() {
		d.lostErrV.Store(cause)
		d.lost.Store(true)
		d.log.Error("device lost: %s", cause)
		close(d.lostCh)
	})
}

func (d *Device) isLost() bool {
	return d.lost.Load()
}

func (d *Device) lostErr() error {
	cause, _ := d.lostErrV.Load().(error)
	if cause == nil {
		return rhi.ErrDeviceLost
	}
	if errors.Is(cause, rhi.ErrDeviceLost) {
		return cause
	}
	return fmt.Errorf("%w: %w", rhi.ErrDeviceLost, cause)
}

func (d *Device) checkLost() error {
	if d.lost.Load() {
		return d.lostErr()
	}
	return nil
}
