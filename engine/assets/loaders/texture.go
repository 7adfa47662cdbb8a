package loaders

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/raylight/engine/scene"
)

// TextureLoader decodes images into tightly packed RGBA8 textures. Images
// larger than MaxSize on either side are scaled down, keeping the aspect.
// A zero MaxSize keeps the source size.
type TextureLoader struct {
	MaxSize uint32
}

func (tl *TextureLoader) Load(path string) (any, error) {
	return tl.LoadFile(path)
}

func (tl *TextureLoader) LoadFile(path string) (*scene.Texture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return tl.Decode(file, name)
}

// Decode reads any format registered with the image package.
func (tl *TextureLoader) Decode(r io.Reader, name string) (*scene.Texture, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode texture %s: %w", name, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("texture %s (%s) is empty", name, format)
	}

	w, h := fit(uint32(b.Dx()), uint32(b.Dy()), tl.MaxSize)
	dst := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))
	if int(w) == b.Dx() && int(h) == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	return &scene.Texture{
		Name:   name,
		Width:  w,
		Height: h,
		Pixels: dst.Pix,
	}, nil
}

func fit(w, h, limit uint32) (uint32, uint32) {
	if limit == 0 || (w <= limit && h <= limit) {
		return w, h
	}
	if w >= h {
		return limit, max(1, uint32(uint64(h)*uint64(limit)/uint64(w)))
	}
	return max(1, uint32(uint64(w)*uint64(limit)/uint64(h))), limit
}
