package assets

// Loader decodes one kind of asset from disk. The concrete type returned
// depends on the kind: *scene.Texture for textures, *scene.Model for scenes.
type Loader interface {
	Load(path string) (any, error)
}
