package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type texture struct {
	name  string
	width uint32
}

func TestRegistryAcquireReturn(t *testing.T) {
	r := NewRegistry[texture]()

	h, tex := r.Acquire()
	tex.name = "albedo"
	require.True(t, r.IsValid(h))
	assert.Equal(t, uint32(1), h.Index(), "slot 0 is reserved")
	assert.Equal(t, "albedo", r.Get(h).name)

	require.NoError(t, r.Return(h))
	assert.False(t, r.IsValid(h))
	_, ok := r.Lookup(h)
	assert.False(t, ok)
}

func TestRegistryCountTracksInterleaving(t *testing.T) {
	r := NewRegistry[texture]()
	var live []Handle[texture]
	acquired, returned := 0, 0

	for i := 0; i < 50; i++ {
		switch {
		case i%3 == 0:
			live = append(live, r.Insert(texture{width: uint32(i)}))
			acquired++
		case i%5 == 0 && len(live) > 0:
			require.NoError(t, r.Return(live[0]))
			live = live[1:]
			returned++
		default:
			h, _ := r.Acquire()
			live = append(live, h)
			acquired++
		}
		assert.Equal(t, acquired-returned, r.Count())
	}
}

func TestRegistryStaleHandleAfterReuse(t *testing.T) {
	r := NewRegistry[texture]()
	old := r.Insert(texture{name: "first"})
	require.NoError(t, r.Return(old))

	reused := r.Insert(texture{name: "second"})
	assert.Equal(t, old.Index(), reused.Index(), "free list recycles the slot")
	assert.NotEqual(t, old.Generation(), reused.Generation())

	assert.False(t, r.IsValid(old))
	assert.True(t, r.IsValid(reused))
	assert.Panics(t, func() { r.Get(old) })
	assert.ErrorIs(t, r.Return(old), ErrStaleHandle)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryDoubleReturnIsDetected(t *testing.T) {
	r := NewRegistry[texture]()
	h := r.Insert(texture{})
	require.NoError(t, r.Return(h))
	assert.ErrorIs(t, r.Return(h), ErrStaleHandle)

	a := r.Insert(texture{name: "a"})
	b := r.Insert(texture{name: "b"})
	assert.NotEqual(t, a.Index(), b.Index(), "free list must not hand out a slot twice")
}

func TestRegistryZeroAndForeignHandles(t *testing.T) {
	r := NewRegistry[texture]()
	assert.False(t, r.IsValid(Handle[texture]{}))
	assert.False(t, r.IsValid(Handle[texture]{index: 42, generation: 1}))
	assert.ErrorIs(t, r.Return(Handle[texture]{}), ErrStaleHandle)
}

func TestRegistryForEachSkipsEmptySlots(t *testing.T) {
	r := NewRegistry[texture]()
	a := r.Insert(texture{name: "a"})
	b := r.Insert(texture{name: "b"})
	c := r.Insert(texture{name: "c"})
	require.NoError(t, r.Return(b))

	var visited []string
	var handles []Handle[texture]
	r.ForEach(func(h Handle[texture], v *texture) {
		visited = append(visited, v.name)
		handles = append(handles, h)
	})
	assert.Equal(t, []string{"a", "c"}, visited)
	assert.Equal(t, []Handle[texture]{a, c}, handles)
}

func TestRegistryRecycledSlotIsZeroed(t *testing.T) {
	r := NewRegistry[texture]()
	h := r.Insert(texture{name: "dirty", width: 9})
	require.NoError(t, r.Return(h))
	_, v := r.Acquire()
	assert.Equal(t, texture{}, *v)
}
