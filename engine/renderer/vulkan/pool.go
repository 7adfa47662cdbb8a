package vulkan

import "sync"

type LockGroup string

const (
	ResourceManagement        LockGroup = "resource_management"
	CommandPoolManagement     LockGroup = "command_pool_management"
	MemoryManagement          LockGroup = "memory_management"
	SynchronizationManagement LockGroup = "synchronization_management"
)

// LockPool hands out one mutex per group of externally synchronised
// Vulkan objects, plus one per queue family for vkQueueSubmit.
type LockPool struct {
	mu           sync.Mutex
	locks        map[LockGroup]*sync.Mutex
	queueMutexes map[uint32]*sync.Mutex
}

func NewLockPool() *LockPool {
	return &LockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[uint32]*sync.Mutex),
	}
}

func (lp *LockPool) lock(group LockGroup) *sync.Mutex {
	lp.mu.Lock()
	l, ok := lp.locks[group]
	if !ok {
		l = &sync.Mutex{}
		lp.locks[group] = l
	}
	lp.mu.Unlock()
	return l
}

func (lp *LockPool) SafeCall(group LockGroup, fn func() error) error {
	l := lp.lock(group)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (lp *LockPool) SetQueueFamily(index uint32) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if _, ok := lp.queueMutexes[index]; !ok {
		lp.queueMutexes[index] = &sync.Mutex{}
	}
}

// SafeQueueCall serialises fn against every other call on the same queue
// family. Families must be registered with SetQueueFamily first.
func (lp *LockPool) SafeQueueCall(family uint32, fn func() error) error {
	lp.mu.Lock()
	l := lp.queueMutexes[family]
	lp.mu.Unlock()
	l.Lock()
	defer l.Unlock()
	return fn()
}
