package containers

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStaleHandle is returned when a handle refers to a slot that was returned
// (and possibly re-acquired) since the handle was produced.
var ErrStaleHandle = errors.New("stale or foreign handle")

// Handle is a lightweight reference to a slot in a Registry. The zero Handle
// is never valid.
type Handle[T any] struct {
	index      uint32
	generation uint32
}

// Index returns the slot index. Index 0 is reserved.
func (h Handle[T]) Index() uint32 {
	return h.index
}

func (h Handle[T]) Generation() uint32 {
	return h.generation
}

func (h Handle[T]) IsZero() bool {
	return h.index == 0
}

func (h Handle[T]) String() string {
	return fmt.Sprintf("%d@%d", h.index, h.generation)
}

type slot[T any] struct {
	value      T
	generation uint32
	exists     bool
}

// Registry is a generic slot allocator handing out generation-tagged
// handles. Returned slots are recycled through a free list; every return
// bumps the slot generation so older handles become detectably stale.
type Registry[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

func NewRegistry[T any]() *Registry[T] {
	return NewRegistryWithCapacity[T](16)
}

func NewRegistryWithCapacity[T any](capacity int) *Registry[T] {
	r := &Registry[T]{
		slots: make([]slot[T], 1, capacity+1),
	}
	// slot 0 is the sentinel and never exists
	r.slots[0].generation = 1
	return r
}

// Acquire reserves a slot and returns its handle together with a pointer to
// the zeroed element. The pointer is only valid until the next Acquire or
// Insert, since growth may move the backing array.
func (r *Registry[T]) Acquire() (Handle[T], *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquire()
}

func (r *Registry[T]) acquire() (Handle[T], *T) {
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot[T]{generation: 1})
		index = uint32(len(r.slots) - 1)
	}
	s := &r.slots[index]
	var zero T
	s.value = zero
	s.exists = true
	r.count++
	return Handle[T]{index: index, generation: s.generation}, &s.value
}

// Insert acquires a slot and stores v in it.
func (r *Registry[T]) Insert(v T) Handle[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, p := r.acquire()
	*p = v
	return h
}

// Return releases the slot referenced by h. Returning a handle twice, or a
// handle that this registry never produced, yields ErrStaleHandle and leaves
// the free list untouched.
func (r *Registry[T]) Return(h Handle[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid(h) {
		return fmt.Errorf("return %s: %w", h, ErrStaleHandle)
	}
	s := &r.slots[h.index]
	var zero T
	s.value = zero
	s.exists = false
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	r.free = append(r.free, h.index)
	r.count--
	return nil
}

func (r *Registry[T]) IsValid(h Handle[T]) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valid(h)
}

func (r *Registry[T]) valid(h Handle[T]) bool {
	if h.index == 0 || int(h.index) >= len(r.slots) {
		return false
	}
	s := &r.slots[h.index]
	return s.exists && s.generation == h.generation
}

// Get returns the element referenced by h. A stale handle is a programming
// error and panics.
func (r *Registry[T]) Get(h Handle[T]) *T {
	v, ok := r.Lookup(h)
	if !ok {
		panic(fmt.Errorf("get %s: %w", h, ErrStaleHandle))
	}
	return v
}

// Lookup is the non-panicking form of Get.
func (r *Registry[T]) Lookup(h Handle[T]) (*T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.valid(h) {
		return nil, false
	}
	return &r.slots[h.index].value, true
}

// ForEach visits every live slot in index order. fn must not call back into
// mutating methods of the registry.
func (r *Registry[T]) ForEach(fn func(Handle[T], *T)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 1; i < len(r.slots); i++ {
		s := &r.slots[i]
		if !s.exists {
			continue
		}
		fn(Handle[T]{index: uint32(i), generation: s.generation}, &s.value)
	}
}

// Count returns the number of live slots.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
