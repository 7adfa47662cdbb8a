package core

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Application ApplicationSection `toml:"application"`
	Renderer    RendererSection    `toml:"renderer"`
	Log         LogSection         `toml:"log"`
}

type ApplicationSection struct {
	Name   string `toml:"name"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
	// Frames is the number of frames rendered before a headless run stops.
	// Zero keeps running until a quit message.
	Frames   uint32 `toml:"frames"`
	Output   string `toml:"output"`
	AssetDir string `toml:"asset_dir"`
	Scene    string `toml:"scene"`
	// Window opens a native window for input and resize events. Frames
	// are still traced offscreen.
	Window bool `toml:"window"`
}

type RendererSection struct {
	Backend        string  `toml:"backend"`
	StagingSize    uint64  `toml:"staging_size"`
	SampledImages  uint32  `toml:"sampled_images"`
	StorageImages  uint32  `toml:"storage_images"`
	Samplers       uint32  `toml:"samplers"`
	MaxMeshes      uint32  `toml:"max_meshes"`
	MaxMaterials   uint32  `toml:"max_materials"`
	MaxInstances   uint32  `toml:"max_instances"`
	TraceWorkers   int     `toml:"trace_workers"`
	Fov            float32 `toml:"fov"`
	MaxTextureSize uint32  `toml:"max_texture_size"`
	Validation     bool    `toml:"validation"`
}

type LogSection struct {
	Level string `toml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Application: ApplicationSection{
			Name:     "Raylight Testbed",
			Width:    640,
			Height:   360,
			Frames:   0,
			Output:   "frame.png",
			AssetDir: "assets",
		},
		Renderer: RendererSection{
			Backend:        "soft",
			StagingSize:    10 << 20,
			SampledImages:  4096,
			StorageImages:  64,
			Samplers:       16,
			MaxMeshes:      4096,
			MaxMaterials:   1024,
			MaxInstances:   16384,
			TraceWorkers:   0,
			Fov:            60,
			MaxTextureSize: 2048,
		},
		Log: LogSection{
			Level: "info",
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. A missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := ParseConfig(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes TOML into cfg, keeping fields the document omits.
func ParseConfig(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return cfg.validate()
}

func (c *Config) validate() error {
	if c.Application.Width == 0 || c.Application.Height == 0 {
		return fmt.Errorf("application size %dx%d must be non zero", c.Application.Width, c.Application.Height)
	}
	if c.Renderer.StagingSize < 64<<10 {
		return fmt.Errorf("renderer.staging_size %d is below 64 KiB", c.Renderer.StagingSize)
	}
	if c.Renderer.SampledImages == 0 || c.Renderer.StorageImages == 0 || c.Renderer.Samplers == 0 {
		return errors.New("descriptor heap capacities must be non zero")
	}
	if c.Renderer.Fov <= 0 || c.Renderer.Fov >= 180 {
		return fmt.Errorf("renderer.fov %.1f out of range", c.Renderer.Fov)
	}
	return nil
}
