package containers

import (
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/exp/constraints"
)

var (
	ErrExhausted  = errors.New("free list exhausted")
	ErrDoubleFree = errors.New("index is not allocated")
	ErrOutOfRange = errors.New("index out of range")
)

// IndexFreeList hands out indices in [0, capacity). Allocation always picks
// the lowest free index. State is kept in a bit vector, one bit per index.
type IndexFreeList[I constraints.Unsigned] struct {
	words    []uint64
	capacity int
	inUse    int
	// hint is the first word that may contain a free bit
	hint int
}

func NewIndexFreeList[I constraints.Unsigned](capacity int) *IndexFreeList[I] {
	return &IndexFreeList[I]{
		words:    make([]uint64, (capacity+63)/64),
		capacity: capacity,
	}
}

func (l *IndexFreeList[I]) Allocate() (I, error) {
	for w := l.hint; w < len(l.words); w++ {
		word := l.words[w]
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		index := w*64 + bit
		if index >= l.capacity {
			break
		}
		l.words[w] |= 1 << bit
		l.inUse++
		l.hint = w
		return I(index), nil
	}
	return 0, fmt.Errorf("allocate from %d slots: %w", l.capacity, ErrExhausted)
}

func (l *IndexFreeList[I]) Free(index I) error {
	i := int(index)
	if i < 0 || i >= l.capacity {
		return fmt.Errorf("free %d: %w", i, ErrOutOfRange)
	}
	w, bit := i/64, uint(i%64)
	if l.words[w]&(1<<bit) == 0 {
		return fmt.Errorf("free %d: %w", i, ErrDoubleFree)
	}
	l.words[w] &^= 1 << bit
	l.inUse--
	if w < l.hint {
		l.hint = w
	}
	return nil
}

func (l *IndexFreeList[I]) IsAllocated(index I) bool {
	i := int(index)
	if i < 0 || i >= l.capacity {
		return false
	}
	return l.words[i/64]&(1<<uint(i%64)) != 0
}

func (l *IndexFreeList[I]) InUse() int {
	return l.inUse
}

func (l *IndexFreeList[I]) Capacity() int {
	return l.capacity
}
