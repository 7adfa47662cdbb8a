package soft

import (
	"slices"

	"github.com/spaghettifunk/raylight/engine/math"
)

const bvhLeafSize = 4

type bvhNode struct {
	bounds math.Extents3D
	// leaf: items[first:first+count]; inner: children at left and left+1
	left  int32
	first int32
	count int32
}

// bvh is a binary bounding volume hierarchy over arbitrary items, split at
// the centroid median of the widest axis.
type bvh struct {
	nodes  []bvhNode
	items  []int32
	bounds math.Extents3D
}

func buildBVH(bounds []math.Extents3D) *bvh {
	b := &bvh{
		items:  make([]int32, len(bounds)),
		bounds: math.NewExtents3DEmpty(),
	}
	if len(bounds) == 0 {
		return b
	}
	centers := make([]math.Vec3, len(bounds))
	for i, e := range bounds {
		b.items[i] = int32(i)
		centers[i] = e.Center()
	}
	b.nodes = make([]bvhNode, 1, 2*len(bounds))
	b.split(0, 0, int32(len(bounds)), bounds, centers)
	b.bounds = b.nodes[0].bounds
	return b
}

func (b *bvh) split(node, start, end int32, bounds []math.Extents3D, centers []math.Vec3) {
	box := math.NewExtents3DEmpty()
	centroids := math.NewExtents3DEmpty()
	for _, it := range b.items[start:end] {
		box = box.Union(bounds[it])
		centroids = centroids.Grow(centers[it])
	}
	b.nodes[node].bounds = box

	if end-start <= bvhLeafSize {
		b.nodes[node].first = start
		b.nodes[node].count = end - start
		return
	}
	axis := centroids.LargestAxis()
	slices.SortFunc(b.items[start:end], func(x, y int32) int {
		cx, cy := centers[x].Axis(axis), centers[y].Axis(axis)
		switch {
		case cx < cy:
			return -1
		case cx > cy:
			return 1
		}
		return int(x - y)
	})
	mid := start + (end-start)/2

	left := int32(len(b.nodes))
	b.nodes = append(b.nodes, bvhNode{}, bvhNode{})
	b.nodes[node].left = left
	b.split(left, start, mid, bounds, centers)
	b.split(left+1, mid, end, bounds, centers)
}

// intersect calls visit for every item whose node bounds the ray enters
// within [tMin, *tMax]. visit may shrink *tMax; returning true stops the
// traversal.
func (b *bvh) intersect(origin, dir math.Vec3, tMin float32, tMax *float32, visit func(item int32) bool) bool {
	if len(b.nodes) == 0 {
		return false
	}
	inv := math.NewVec3(1/dir.X, 1/dir.Y, 1/dir.Z)
	var storage [64]int32
	stack := append(storage[:0], 0)
	for len(stack) > 0 {
		n := &b.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if _, ok := n.bounds.IntersectRay(origin, inv, tMin, *tMax); !ok {
			continue
		}
		if n.count > 0 {
			for i := n.first; i < n.first+n.count; i++ {
				if visit(b.items[i]) {
					return true
				}
			}
			continue
		}
		stack = append(stack, n.left, n.left+1)
	}
	return false
}

// intersectTriangle is the Möller-Trumbore test. Both windings hit.
func intersectTriangle(origin, dir, v0, v1, v2 math.Vec3) (t, u, v float32, ok bool) {
	const epsilon = 1e-9
	e1 := v1.Sub(v0)
	e2 := v2.Sub(v0)
	p := dir.Cross(e2)
	det := e1.Dot(p)
	if det > -epsilon && det < epsilon {
		return 0, 0, 0, false
	}
	invDet := 1 / det
	s := origin.Sub(v0)
	u = s.Dot(p) * invDet
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = dir.Dot(q) * invDet
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(q) * invDet
	return t, u, v, true
}
