package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/raylight/engine/assets/loaders"
	"github.com/spaghettifunk/raylight/engine/core"
	"github.com/spaghettifunk/raylight/engine/jobs"
	"github.com/spaghettifunk/raylight/engine/scene"
)

var (
	ErrClosed   = errors.New("asset manager already closed")
	ErrNotFound = errors.New("asset not found")
	ErrNoLoader = errors.New("no loader registered")
)

type Kind uint32

const (
	KindNone Kind = iota
	KindTexture
	KindScene
	KindShader
)

func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "texture"
	case KindScene:
		return "scene"
	case KindShader:
		return "shader"
	default:
		return "none"
	}
}

type Info struct {
	Path     string
	Kind     Kind
	Modified time.Time
}

// Manager indexes the asset directory and keeps the index current through
// fsnotify. Every create or write of a known asset posts
// MESSAGE_CODE_ASSET_CHANGED to the engine queue.
type Manager struct {
	log     *core.Logger
	queue   *core.MessageQueue
	assets  map[string]Info
	loaders map[Kind]Loader

	mutex sync.RWMutex

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	jobs     *jobs.System
	isClosed bool
}

func NewManager(log *core.Logger, queue *core.MessageQueue, maxTextureSize uint32) (*Manager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	js, err := jobs.New(log.With("jobs"), runtime.GOMAXPROCS(0), 16)
	if err != nil {
		fsWatch.Close()
		return nil, err
	}

	am := &Manager{
		log:      log.With("assets"),
		queue:    queue,
		assets:   make(map[string]Info),
		loaders:  make(map[Kind]Loader),
		fsnotify: fsWatch,
		jobs:     js,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	// Register loaders
	textures := &loaders.TextureLoader{MaxSize: maxTextureSize}
	am.registerLoader(KindTexture, textures)
	am.registerLoader(KindScene, &loaders.SceneLoader{Textures: textures, Jobs: js})

	go am.start()
	return am, nil
}

// Watch indexes everything under dir and starts watching it and all its
// sub-directories.
func (am *Manager) Watch(dir string) error {
	if am.closed() {
		return ErrClosed
	}
	return am.watchRecursive(filepath.Clean(dir), false)
}

// Unwatch stops watching dir and its sub-directories. Indexed assets stay.
func (am *Manager) Unwatch(dir string) error {
	if am.closed() {
		return ErrClosed
	}
	return am.watchRecursive(filepath.Clean(dir), true)
}

func (am *Manager) registerLoader(kind Kind, loader Loader) {
	am.loaders[kind] = loader
}

func (am *Manager) Lookup(path string) (Info, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[filepath.Clean(path)]
	return info, ok
}

// Assets returns the index sorted by path.
func (am *Manager) Assets() []Info {
	am.mutex.RLock()
	out := make([]Info, 0, len(am.assets))
	for _, info := range am.assets {
		out = append(out, info)
	}
	am.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Load decodes an indexed asset with the loader registered for its kind.
func (am *Manager) Load(path string) (any, error) {
	asset, exists := am.Lookup(path)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	loader, loaderExists := am.loaders[asset.Kind]
	if !loaderExists {
		return nil, fmt.Errorf("%w for %s asset %s", ErrNoLoader, asset.Kind, path)
	}
	v, err := loader.Load(asset.Path)
	if err != nil {
		err = fmt.Errorf("load %s: %w", asset.Path, err)
		am.log.Error(err.Error())
		return nil, err
	}
	return v, nil
}

func (am *Manager) LoadTexture(path string) (*scene.Texture, error) {
	v, err := am.Load(path)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*scene.Texture)
	if !ok {
		return nil, fmt.Errorf("%s is not a texture", path)
	}
	return t, nil
}

func (am *Manager) LoadScene(path string) (*scene.Model, error) {
	v, err := am.Load(path)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*scene.Model)
	if !ok {
		return nil, fmt.Errorf("%s is not a scene", path)
	}
	return m, nil
}

// Close stops the watcher goroutine and waits for it to exit.
func (am *Manager) Close() error {
	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return nil
	}
	am.isClosed = true
	am.mutex.Unlock()

	close(am.done)
	<-am.stopped
	return am.jobs.Shutdown()
}

func (am *Manager) closed() bool {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return am.isClosed
}

func (am *Manager) start() {
	defer close(am.stopped)
	for {
		select {

		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name, false); err != nil {
						am.log.Warn("watch %s: %s", e.Name, err)
					}
				}
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if info, ok := am.handleFileEvent(e.Name); ok {
					am.notify(info)
				}
			}
			// Can't stat a deleted path, so try to drop it from both the index
			// and the watch list.
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(e.Name)
				_ = am.fsnotify.Remove(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			am.log.Error(err.Error())

		case <-am.done:
			if err := am.fsnotify.Close(); err != nil {
				am.log.Warn("close watcher: %s", err)
			}
			return
		}
	}
}

func (am *Manager) notify(info Info) {
	if am.queue == nil {
		return
	}
	m := core.Message{Code: core.MESSAGE_CODE_ASSET_CHANGED, Sender: am}
	m.Data.Path = info.Path
	m.Data.U32[0] = uint32(info.Kind)
	am.queue.Post(m)
	am.log.Debug("%s %s changed", info.Kind, info.Path)
}

// watchRecursive adds all directories under the given one to the watch list
// and indexes the files found on the way. A file created between the walk
// and the watch registration is picked up on its next write.
func (am *Manager) watchRecursive(path string, unWatch bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return am.fsnotify.Remove(walkPath)
			}
			return am.fsnotify.Add(walkPath)
		}
		if !unWatch {
			am.handleFileEvent(walkPath)
		}
		return nil
	})
}

// Handle the creation or modification of a file
func (am *Manager) handleFileEvent(path string) (Info, bool) {
	kind := determineKind(path)
	if kind == KindNone {
		return Info{}, false
	}
	info := Info{
		Path:     filepath.Clean(path),
		Kind:     kind,
		Modified: time.Now(),
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.assets[info.Path] = info
	return info, true
}

// Remove the asset from the index if it was deleted
func (am *Manager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, filepath.Clean(path))
}

func determineKind(path string) Kind {
	switch filepath.Ext(path) {
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return KindTexture
	case ".toml", ".yaml", ".yml":
		return KindScene
	case ".rgen", ".rchit", ".rahit", ".rmiss", ".glsl":
		return KindShader
	default:
		return KindNone
	}
}
