package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raylight.toml")
	doc := `
[application]
width = 320
height = 200
frames = 3

[renderer]
staging_size = 1048576
max_texture_size = 512

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(320), cfg.Application.Width)
	assert.Equal(t, uint32(3), cfg.Application.Frames)
	assert.Equal(t, uint64(1<<20), cfg.Renderer.StagingSize)
	assert.Equal(t, uint32(512), cfg.Renderer.MaxTextureSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched fields keep their defaults
	assert.Equal(t, "soft", cfg.Renderer.Backend)
	assert.Equal(t, uint32(4096), cfg.Renderer.SampledImages)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, ParseConfig([]byte("[renderer]\nfov = 200.0\n"), cfg))

	cfg = DefaultConfig()
	assert.Error(t, ParseConfig([]byte("[renderer]\nunknown_key = 1\n"), cfg))
}

func TestMessageQueueDrainOrder(t *testing.T) {
	q := NewMessageQueue(2)
	for i := uint32(0); i < 5; i++ {
		m := Message{Code: MESSAGE_CODE_RESIZED}
		m.Data.U32[0] = i
		q.Post(m)
	}
	assert.Equal(t, 5, q.Len())

	var got []uint32
	n := q.Drain(func(m Message) {
		got = append(got, m.Data.U32[0])
		if m.Data.U32[0] == 0 {
			q.Post(Message{Code: MESSAGE_CODE_APPLICATION_QUIT})
		}
	})
	assert.Equal(t, 5, n)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, got)

	// messages posted while draining wait for the next frame
	require.Equal(t, 1, q.Len())
	q.Drain(func(m Message) {
		assert.Equal(t, MESSAGE_CODE_APPLICATION_QUIT, m.Code)
	})
	assert.Equal(t, 0, q.Len())
}

func TestClockElapsed(t *testing.T) {
	now := time.Unix(100, 0)
	c := NewClock()
	c.now = func() time.Time { return now }

	c.Update()
	assert.Zero(t, c.Elapsed(), "a stopped clock does not advance")

	c.Start()
	now = now.Add(1500 * time.Millisecond)
	c.Update()
	assert.InDelta(t, 1.5, c.Elapsed(), 1e-9)

	c.Stop()
	now = now.Add(time.Second)
	c.Update()
	assert.InDelta(t, 1.5, c.Elapsed(), 1e-9)
}

func TestFrameStatsAverage(t *testing.T) {
	s := NewFrameStats()
	for i := 0; i < int(AVG_COUNT); i++ {
		s.Update(0.010)
	}
	assert.InDelta(t, 10.0, s.FrameTime(), 1e-9)
	assert.Equal(t, uint64(AVG_COUNT), s.Total())

	for i := 0; i < 100; i++ {
		s.Update(0.010)
	}
	assert.InDelta(t, 100, s.FPS(), 1)
}
