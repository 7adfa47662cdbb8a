package scene

import (
	"iter"

	"github.com/spaghettifunk/raylight/engine/containers"
	"github.com/spaghettifunk/raylight/engine/math"
)

// Entity places one renderer instance in the world. Base is the placement
// the instance was loaded with; Transform moves it from there.
type Entity struct {
	Name      string
	Instance  uint32
	Base      math.Mat4
	Transform *math.Transform
}

type EntityID = containers.Handle[Entity]

// World is the store of placed entities. The renderer only sees it through
// Instances.
type World struct {
	entities *containers.Registry[Entity]
}

func NewWorld() *World {
	return &World{entities: containers.NewRegistry[Entity]()}
}

func (w *World) Spawn(name string, instance uint32, transform *math.Transform) EntityID {
	return w.SpawnPlaced(name, instance, math.NewMat4Identity(), transform)
}

// SpawnPlaced is Spawn for an instance that already has a placement, such
// as one read from a scene file.
func (w *World) SpawnPlaced(name string, instance uint32, base math.Mat4, transform *math.Transform) EntityID {
	if transform == nil {
		transform = math.NewTransform()
	}
	return w.entities.Insert(Entity{Name: name, Instance: instance, Base: base, Transform: transform})
}

func (w *World) Despawn(id EntityID) error {
	return w.entities.Return(id)
}

// Transform returns the live transform of an entity; edits are picked up by
// the next Instances walk.
func (w *World) Transform(id EntityID) (*math.Transform, bool) {
	e, ok := w.entities.Lookup(id)
	if !ok {
		return nil, false
	}
	return e.Transform, true
}

func (w *World) Count() int {
	return w.entities.Count()
}

// Instances yields every entity's renderer instance with its world matrix.
func (w *World) Instances() iter.Seq2[uint32, math.Mat4] {
	return func(yield func(uint32, math.Mat4) bool) {
		type pair struct {
			instance uint32
			world    math.Mat4
		}
		var snapshot []pair
		w.entities.ForEach(func(_ EntityID, e *Entity) {
			snapshot = append(snapshot, pair{e.Instance, e.Base.Mul(e.Transform.GetWorld())})
		})
		for _, p := range snapshot {
			if !yield(p.instance, p.world) {
				return
			}
		}
	}
}
