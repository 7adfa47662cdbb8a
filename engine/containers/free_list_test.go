package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexFreeListLowestFirst(t *testing.T) {
	l := NewIndexFreeList[uint32](130)
	for i := 0; i < 130; i++ {
		idx, err := l.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint32(i), idx)
	}
	_, err := l.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, l.Free(70))
	require.NoError(t, l.Free(3))
	idx, err := l.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), idx)
	idx, err = l.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(70), idx)
	assert.Equal(t, 130, l.InUse())
}

func TestIndexFreeListErrors(t *testing.T) {
	l := NewIndexFreeList[uint16](4)
	assert.ErrorIs(t, l.Free(1), ErrDoubleFree)
	assert.ErrorIs(t, l.Free(4), ErrOutOfRange)

	idx, err := l.Allocate()
	require.NoError(t, err)
	assert.True(t, l.IsAllocated(idx))
	require.NoError(t, l.Free(idx))
	assert.False(t, l.IsAllocated(idx))
	assert.ErrorIs(t, l.Free(idx), ErrDoubleFree)
	assert.Equal(t, 0, l.InUse())
	assert.Equal(t, 4, l.Capacity())
}

func TestRingQueueGrowKeepsOrder(t *testing.T) {
	q := NewRingQueue[int](3)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, q.Enqueue(3))
	require.NoError(t, q.Enqueue(4))
	assert.ErrorIs(t, q.Enqueue(5), ErrQueueFull)

	q.Grow()
	require.NoError(t, q.Enqueue(5))
	var got []int
	for !q.IsEmpty() {
		v, err := q.Dequeue()
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3, 4, 5}, got)
	_, err = q.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
