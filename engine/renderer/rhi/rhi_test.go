package rhi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/math"
)

func TestInstanceRecordLayout(t *testing.T) {
	m := math.NewMat4Translation(math.NewVec3(1, 2, 3))
	rec, err := NewInstanceRecord(m, 7, 0xFF, 3, InstanceFlagForceOpaque, 0x1000)
	require.NoError(t, err)

	buf := make([]byte, InstanceRecordSize)
	require.NoError(t, rec.Encode(buf))
	// custom index and mask share the dword after the transform
	assert.Equal(t, []byte{7, 0, 0, 0xFF}, buf[48:52])
	assert.Equal(t, []byte{3, 0, 0, byte(InstanceFlagForceOpaque)}, buf[52:56])
	assert.Equal(t, []byte{0, 0x10, 0, 0, 0, 0, 0, 0}, buf[56:64])

	back, err := DecodeInstanceRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), back.CustomIndex())
	assert.Equal(t, uint8(0xFF), back.Mask())
	assert.Equal(t, uint32(3), back.SBTOffset())
	assert.Equal(t, InstanceFlagForceOpaque, back.Flags())
	assert.Equal(t, m, back.Matrix())
}

func TestInstanceRecordRejectsWideIndices(t *testing.T) {
	_, err := NewInstanceRecord(math.NewMat4Identity(), 1<<24, 0xFF, 0, 0, 0)
	assert.Error(t, err)
}

func TestRegisterAndOpen(t *testing.T) {
	opened := false
	Register("test-null", func(opts Options) (Device, error) {
		opened = true
		assert.NotNil(t, opts.Log)
		assert.NotNil(t, opts.Config)
		return nil, ErrNoDevice
	})
	assert.Contains(t, Backends(), "test-null")

	_, err := Open("test-null", Options{})
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.True(t, opened)

	_, err = Open("does-not-exist", Options{})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestFenceValueZeroIsReached(t *testing.T) {
	assert.True(t, FenceValue{}.Reached())
	assert.NoError(t, FenceValue{}.Wait(context.Background()))
}
