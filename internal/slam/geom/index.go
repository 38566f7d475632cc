package geom

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a KD-tree query hit: the position of the point in the slice the
// index was built from, and its squared Euclidean distance to the query.
type Neighbor struct {
	ID    int
	Dist2 float64
}

// Index is a balanced KD-tree over fixed-dimension vectors. It is read-only
// once built and safe for concurrent queries.
type Index struct {
	tree *kdtree.Tree
	size int
}

// NewIndex builds an index over vectors, which must all have the same length.
// IDs reported by queries are positions in vectors.
func NewIndex(vectors [][]float64) *Index {
	pts := make(kdPoints, len(vectors))
	for i, v := range vectors {
		pts[i] = kdPoint{coords: v, id: i}
	}
	if len(pts) == 0 {
		return &Index{}
	}
	return &Index{tree: kdtree.New(pts, false), size: len(pts)}
}

// NewCloudIndex builds an index over the points of c.
func NewCloudIndex(c Cloud) *Index {
	vectors := make([][]float64, len(c))
	for i, p := range c {
		vectors[i] = []float64{p.X, p.Y, p.Z}
	}
	return NewIndex(vectors)
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int { return ix.size }

// Nearest returns the closest indexed vector to q. ok is false for an empty
// index.
func (ix *Index) Nearest(q []float64) (n Neighbor, ok bool) {
	if ix.tree == nil {
		return Neighbor{}, false
	}
	c, d := ix.tree.Nearest(kdPoint{coords: q, id: -1})
	if c == nil {
		return Neighbor{}, false
	}
	return Neighbor{ID: c.(kdPoint).id, Dist2: d}, true
}

// NearestPoint is Nearest for a 3D point.
func (ix *Index) NearestPoint(p r3.Vector) (Neighbor, bool) {
	return ix.Nearest([]float64{p.X, p.Y, p.Z})
}

// NearestK returns up to k closest vectors ordered by distance, ties broken
// by lower ID. Every vector tied with the k-th distance competes for the last
// slots, so the result does not depend on tree layout.
func (ix *Index) NearestK(q []float64, k int) []Neighbor {
	if ix.tree == nil || k <= 0 {
		return nil
	}
	query := kdPoint{coords: q, id: -1}
	keeper := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keeper, query)
	out := neighbors(keeper.Heap)

	if len(out) == k && k < ix.size {
		kth := out[0].Dist2
		for _, n := range out {
			kth = math.Max(kth, n.Dist2)
		}
		ties := kdtree.NewDistKeeper(kth + 1e-12*(1+kth))
		ix.tree.NearestSet(ties, query)
		out = neighbors(ties.Heap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dist2 != out[j].Dist2 {
			return out[i].Dist2 < out[j].Dist2
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// neighbors drops the keeper sentinels from h.
func neighbors(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{ID: cd.Comparable.(kdPoint).id, Dist2: cd.Dist})
	}
	return out
}

// kdPoint is a kdtree.Comparable that remembers where it came from.
type kdPoint struct {
	coords []float64
	id     int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coords[d] - c.(kdPoint).coords[d]
}

func (p kdPoint) Dims() int { return len(p.coords) }

func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	var sum float64
	for i, v := range p.coords {
		d := v - q.coords[i]
		sum += d * d
	}
	return sum
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p kdPoints) Len() int                      { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int        { return kdPlane{Dim: d, kdPoints: p}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// kdPlane sorts points along a single dimension for median partitioning.
type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].coords[p.Dim] < p.kdPoints[j].coords[p.Dim]
}

func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}
