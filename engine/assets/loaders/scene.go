package loaders

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/spaghettifunk/raylight/engine/jobs"
	"github.com/spaghettifunk/raylight/engine/math"
	"github.com/spaghettifunk/raylight/engine/scene"
)

var ErrUnknownFormat = errors.New("unknown scene format")

// sceneFile is the on-disk scene description. Entries reference each other
// by name; texture paths are relative to the scene file.
type sceneFile struct {
	Name      string          `toml:"name" yaml:"name"`
	Textures  []textureEntry  `toml:"textures" yaml:"textures"`
	Materials []materialEntry `toml:"materials" yaml:"materials"`
	Meshes    []meshEntry     `toml:"meshes" yaml:"meshes"`
	Instances []instanceEntry `toml:"instances" yaml:"instances"`
}

type textureEntry struct {
	Name    string        `toml:"name" yaml:"name"`
	Path    string        `toml:"path" yaml:"path"`
	Color   *[4]uint8     `toml:"color" yaml:"color"`
	Checker *checkerEntry `toml:"checker" yaml:"checker"`
}

type checkerEntry struct {
	Size uint32   `toml:"size" yaml:"size"`
	Cell uint32   `toml:"cell" yaml:"cell"`
	A    [4]uint8 `toml:"a" yaml:"a"`
	B    [4]uint8 `toml:"b" yaml:"b"`
}

type materialEntry struct {
	Name       string     `toml:"name" yaml:"name"`
	BaseColor  [4]float32 `toml:"base_color" yaml:"base_color"`
	Texture    string     `toml:"texture" yaml:"texture"`
	AlphaBlend bool       `toml:"alpha_blend" yaml:"alpha_blend"`
}

type meshEntry struct {
	Name      string  `toml:"name" yaml:"name"`
	Primitive string  `toml:"primitive" yaml:"primitive"`
	Size      float32 `toml:"size" yaml:"size"`
	Material  string  `toml:"material" yaml:"material"`
}

type instanceEntry struct {
	Mesh     string     `toml:"mesh" yaml:"mesh"`
	Position [3]float32 `toml:"position" yaml:"position"`
	// Rotation holds Euler angles in degrees.
	Rotation [3]float32  `toml:"rotation" yaml:"rotation"`
	Scale    *[3]float32 `toml:"scale" yaml:"scale"`
}

// SceneLoader turns TOML or YAML scene descriptions into models. With Jobs
// set, the textures of a scene are decoded concurrently.
type SceneLoader struct {
	Textures *TextureLoader
	Jobs     *jobs.System
}

func (sl *SceneLoader) Load(path string) (any, error) {
	return sl.LoadFile(path)
}

func (sl *SceneLoader) LoadFile(path string) (*scene.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return sl.Parse(data, filepath.Ext(path), filepath.Dir(path))
}

// Parse decodes data in the format named by ext (".toml", ".yaml" or
// ".yml"). Texture paths resolve against dir.
func (sl *SceneLoader) Parse(data []byte, ext, dir string) (*scene.Model, error) {
	var f sceneFile
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("scene toml: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("scene yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	return sl.build(&f, dir)
}

func (sl *SceneLoader) build(f *sceneFile, dir string) (*scene.Model, error) {
	m := &scene.Model{Name: f.Name}

	decoded, err := sl.textures(f.Textures, dir)
	if err != nil {
		return nil, err
	}
	textures := make(map[string]int, len(f.Textures))
	for i, e := range f.Textures {
		if _, dup := textures[e.Name]; dup {
			return nil, fmt.Errorf("duplicate texture %q", e.Name)
		}
		textures[e.Name] = len(m.Textures)
		m.Textures = append(m.Textures, *decoded[i])
	}

	materials := make(map[string]int, len(f.Materials))
	for _, e := range f.Materials {
		mat := scene.Material{
			Name:         e.Name,
			BaseColor:    math.Vec4{X: e.BaseColor[0], Y: e.BaseColor[1], Z: e.BaseColor[2], W: e.BaseColor[3]},
			TextureIndex: scene.NoTexture,
			AlphaBlend:   e.AlphaBlend,
		}
		if e.Texture != "" {
			idx, ok := textures[e.Texture]
			if !ok {
				return nil, fmt.Errorf("material %q references unknown texture %q", e.Name, e.Texture)
			}
			mat.TextureIndex = idx
		}
		if _, dup := materials[e.Name]; dup {
			return nil, fmt.Errorf("duplicate material %q", e.Name)
		}
		materials[e.Name] = len(m.Materials)
		m.Materials = append(m.Materials, mat)
	}

	meshes := make(map[string]int, len(f.Meshes))
	for _, e := range f.Meshes {
		mat, ok := materials[e.Material]
		if !ok {
			return nil, fmt.Errorf("mesh %q references unknown material %q", e.Name, e.Material)
		}
		size := e.Size
		if size == 0 {
			size = 1
		}
		var mesh scene.Mesh
		switch e.Primitive {
		case "quad":
			mesh = scene.NewQuad(size, mat)
		case "cube":
			mesh = scene.NewCube(size, mat)
		default:
			return nil, fmt.Errorf("mesh %q: unknown primitive %q", e.Name, e.Primitive)
		}
		mesh.Name = e.Name
		if _, dup := meshes[e.Name]; dup {
			return nil, fmt.Errorf("duplicate mesh %q", e.Name)
		}
		meshes[e.Name] = len(m.Meshes)
		m.Meshes = append(m.Meshes, mesh)
	}

	for i, e := range f.Instances {
		mesh, ok := meshes[e.Mesh]
		if !ok {
			return nil, fmt.Errorf("instance %d references unknown mesh %q", i, e.Mesh)
		}
		m.Instances = append(m.Instances, scene.Instance{Mesh: mesh, Transform: e.transform()})
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (sl *SceneLoader) textures(entries []textureEntry, dir string) ([]*scene.Texture, error) {
	out := make([]*scene.Texture, len(entries))
	decode := func(i int) error {
		t, err := sl.texture(entries[i], dir)
		out[i] = t
		return err
	}
	if sl.Jobs == nil {
		for i := range entries {
			if err := decode(i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	fns := make([]func() error, len(entries))
	for i := range entries {
		fns[i] = func() error { return decode(i) }
	}
	if err := sl.Jobs.Run("textures", fns...); err != nil {
		return nil, err
	}
	return out, nil
}

func (sl *SceneLoader) texture(e textureEntry, dir string) (*scene.Texture, error) {
	var t *scene.Texture
	switch {
	case e.Path != "":
		if sl.Textures == nil {
			return nil, fmt.Errorf("texture %q: no texture loader", e.Name)
		}
		p := e.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		loaded, err := sl.Textures.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("texture %q: %w", e.Name, err)
		}
		t = loaded
	case e.Checker != nil:
		c := e.Checker
		if c.Size == 0 || c.Cell == 0 {
			return nil, fmt.Errorf("texture %q: checker size and cell must be non zero", e.Name)
		}
		checker := scene.NewCheckerTexture(e.Name, c.Size, c.Cell, c.A, c.B)
		t = &checker
	case e.Color != nil:
		solid := scene.NewSolidTexture(e.Name, 1, 1, *e.Color)
		t = &solid
	default:
		return nil, fmt.Errorf("texture %q needs a path, a checker or a color", e.Name)
	}
	t.Name = e.Name
	return t, nil
}

func (e instanceEntry) transform() math.Mat4 {
	scale := math.NewVec3One()
	if e.Scale != nil {
		scale = math.NewVec3(e.Scale[0], e.Scale[1], e.Scale[2])
	}
	rotation := math.NewQuatFromEuler(
		math.DegToRad(e.Rotation[0]),
		math.DegToRad(e.Rotation[1]),
		math.DegToRad(e.Rotation[2]),
	)
	position := math.NewVec3(e.Position[0], e.Position[1], e.Position[2])
	return math.NewTransformFrom(position, rotation, scale).GetLocal()
}
