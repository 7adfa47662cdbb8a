package jobs

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/raylight/engine/core"
)

func TestNewRejectsBadSizes(t *testing.T) {
	_, err := New(core.NewDiscardLogger(), 0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = New(core.NewDiscardLogger(), 1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestCallbacks(t *testing.T) {
	js, err := New(core.NewDiscardLogger(), 2, 4)
	require.NoError(t, err)

	var completed, failed, done atomic.Int32
	boom := errors.New("boom")
	for i := 0; i < 10; i++ {
		fail := i%2 == 0
		require.NoError(t, js.Submit(Task{
			Name: "cb",
			Run: func() error {
				if fail {
					return boom
				}
				return nil
			},
			OnComplete: func() { completed.Add(1) },
			OnFailure: func(err error) {
				assert.ErrorIs(t, err, boom)
				failed.Add(1)
			},
			OnDone: func() { done.Add(1) },
		}))
	}
	require.NoError(t, js.Shutdown())
	assert.Equal(t, int32(5), completed.Load())
	assert.Equal(t, int32(5), failed.Load())
	assert.Equal(t, int32(10), done.Load())
}

func TestRunWaitsAndJoinsErrors(t *testing.T) {
	js, err := New(core.NewDiscardLogger(), 3, 0)
	require.NoError(t, err)
	defer js.Shutdown()

	var sum atomic.Int64
	first, second := errors.New("first"), errors.New("second")
	fns := make([]func() error, 0, 8)
	for i := 1; i <= 6; i++ {
		fns = append(fns, func() error {
			sum.Add(int64(i))
			return nil
		})
	}
	fns = append(fns, func() error { return first }, func() error { return second })

	err = js.Run("sum", fns...)
	assert.Equal(t, int64(21), sum.Load())
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.NoError(t, js.Run("empty"))
}

func TestSubmitAfterShutdown(t *testing.T) {
	js, err := New(core.NewDiscardLogger(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, js.Shutdown())
	require.NoError(t, js.Shutdown())
	assert.ErrorIs(t, js.Submit(Task{Run: func() error { return nil }}), ErrShutdown)
	assert.ErrorIs(t, js.Run("late", func() error { return nil }), ErrShutdown)
}
