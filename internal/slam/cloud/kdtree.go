package cloud

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// indexedPoint adapts a cloud point for gonum's kd-tree, carrying its
// index back out of queries.
type indexedPoint struct {
	pos r3.Vec
	idx int
}

func (p indexedPoint) Dims() int { return 3 }

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.pos.X - q.pos.X
	case 1:
		return p.pos.Y - q.pos.Y
	default:
		return p.pos.Z - q.pos.Z
	}
}

// Distance returns the squared Euclidean distance, matching the
// convention of gonum's kdtree.Point.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	d := r3.Sub(p.pos, q.pos)
	return d.X*d.X + d.Y*d.Y + d.Z*d.Z
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return indexedPlane{points: p, dim: d}.Pivot()
}

// indexedPlane sorts indexedPoints along a dimension for tree building.
type indexedPlane struct {
	points indexedPoints
	dim    kdtree.Dim
}

func (p indexedPlane) Less(i, j int) bool {
	return p.points[i].Compare(p.points[j], p.dim) < 0
}
func (p indexedPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}
func (p indexedPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p indexedPlane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}
func (p indexedPlane) Len() int { return len(p.points) }

// KDTree wraps a gonum kd-tree over a point cloud. Construction is
// sequential; queries are read-only and safe to run concurrently.
type KDTree struct {
	tree *kdtree.Tree
	n    int
}

// NewKDTree builds a kd-tree over pc. Returns a tree with zero length
// for an empty cloud; queries on it yield no neighbors.
func NewKDTree(pc Cloud) *KDTree {
	pts := make(indexedPoints, len(pc))
	for i, p := range pc {
		pts[i] = indexedPoint{pos: p.Vec(), idx: i}
	}
	if len(pts) == 0 {
		return &KDTree{n: 0}
	}
	return &KDTree{tree: kdtree.New(pts, false), n: len(pts)}
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int { return t.n }

// KNearest returns the indices and squared distances of the k nearest
// cloud points to q, ordered nearest first. Fewer than k results are
// returned when the cloud is smaller than k.
func (t *KDTree) KNearest(q r3.Vec, k int) (idx []int, dist2 []float64) {
	if t.tree == nil || k <= 0 {
		return nil, nil
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, indexedPoint{pos: q, idx: -1})
	type hit struct {
		idx int
		d2  float64
	}
	hits := make([]hit, 0, k)
	for _, c := range keeper.Heap {
		p, ok := c.Comparable.(indexedPoint)
		if !ok {
			continue
		}
		hits = append(hits, hit{idx: p.idx, d2: c.Dist})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d2 < hits[j].d2 })
	idx = make([]int, len(hits))
	dist2 = make([]float64, len(hits))
	for i, h := range hits {
		idx[i] = h.idx
		dist2[i] = h.d2
	}
	return idx, dist2
}
