package soft

import (
	"fmt"
	"slices"
	"sync"

	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

const (
	addressAlignment = 256
	// gap left between allocations so reads past the end fault
	addressGuard = 256
	addressBase  = 0x10000
)

type allocation struct {
	base  uint64
	data  []byte
	owner any
}

// addressSpace hands out device addresses for every allocation. Addresses
// are never reused, so a stale address faults instead of aliasing newer
// memory.
type addressSpace struct {
	mu     sync.RWMutex
	next   uint64
	used   uint64
	budget uint64
	allocs []*allocation
}

func newAddressSpace(budget uint64) *addressSpace {
	return &addressSpace{next: addressBase, budget: budget}
}

func (s *addressSpace) alloc(size uint64, owner any) (*allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size == 0 {
		size = 1
	}
	if s.used+size > s.budget {
		return nil, fmt.Errorf("allocate %d bytes (%d of %d in use): %w", size, s.used, s.budget, rhi.ErrOutOfDeviceMemory)
	}
	a := &allocation{
		base:  math.AlignUp(s.next, addressAlignment),
		data:  make([]byte, size),
		owner: owner,
	}
	s.next = a.base + size + addressGuard
	s.used += size
	// bases increase monotonically, so appending keeps the slice sorted
	s.allocs = append(s.allocs, a)
	return a, nil
}

func (s *addressSpace) free(a *allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, found := slices.BinarySearchFunc(s.allocs, a.base, func(x *allocation, base uint64) int {
		switch {
		case x.base < base:
			return -1
		case x.base > base:
			return 1
		}
		return 0
	})
	if !found {
		return
	}
	s.used -= uint64(len(a.data))
	s.allocs = slices.Delete(s.allocs, i, i+1)
}

// find returns the allocation containing addr.
func (s *addressSpace) find(addr uint64) (*allocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, found := slices.BinarySearchFunc(s.allocs, addr, func(x *allocation, addr uint64) int {
		switch {
		case x.base+uint64(len(x.data)) <= addr:
			return -1
		case x.base > addr:
			return 1
		}
		return 0
	})
	if !found {
		return nil, false
	}
	return s.allocs[i], true
}

// resolve returns n bytes of device memory starting at addr. The range must
// lie within a single live allocation.
func (s *addressSpace) resolve(addr uint64, n int) ([]byte, bool) {
	a, ok := s.find(addr)
	if !ok {
		return nil, false
	}
	off := addr - a.base
	if off+uint64(n) > uint64(len(a.data)) {
		return nil, false
	}
	return a.data[off : off+uint64(n)], true
}

func (s *addressSpace) owner(addr uint64) (any, bool) {
	a, ok := s.find(addr)
	if !ok || a.base != addr {
		return nil, false
	}
	return a.owner, true
}

func (s *addressSpace) inUse() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}
