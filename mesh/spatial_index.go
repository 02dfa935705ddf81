package mesh

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// SpatialIndex answers k-nearest-neighbour queries over a fixed snapshot of
// a point set. It is immutable; when the points move, build a new one.
//
// Ties between equidistant rows are broken by the lower row index, so query
// results are deterministic for a given snapshot.
type SpatialIndex struct {
	data *PointSet
	tree *kdtree.Tree
}

// indexedRow is a kd-tree element that remembers its row in the snapshot.
type indexedRow struct {
	row int
	v   []float64
}

func (p indexedRow) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(indexedRow).v[d]
}

func (p indexedRow) Dims() int { return len(p.v) }

// Distance is the squared Euclidean distance.
func (p indexedRow) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedRow).v
	var sum float64
	for i, x := range p.v {
		d := x - q[i]
		sum += d * d
	}
	return sum
}

type indexedRows []indexedRow

func (p indexedRows) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedRows) Len() int                              { return len(p) }
func (p indexedRows) Pivot(d kdtree.Dim) int                { return rowPlane{rows: p, dim: d}.pivot() }
func (p indexedRows) Slice(start, end int) kdtree.Interface { return p[start:end] }

// rowPlane orders rows along one dimension for median selection.
type rowPlane struct {
	rows indexedRows
	dim  kdtree.Dim
}

func (p rowPlane) Len() int           { return len(p.rows) }
func (p rowPlane) Less(i, j int) bool { return p.rows[i].v[p.dim] < p.rows[j].v[p.dim] }
func (p rowPlane) Swap(i, j int)      { p.rows[i], p.rows[j] = p.rows[j], p.rows[i] }
func (p rowPlane) Slice(start, end int) kdtree.SortSlicer {
	p.rows = p.rows[start:end]
	return p
}
func (p rowPlane) pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

// BuildIndex snapshots points and builds a kd-tree over every column of the
// rows (3 or 6 dimensions).
func BuildIndex(points *PointSet) (*SpatialIndex, error) {
	if points == nil || points.Len() == 0 {
		return nil, ErrEmptyPointSet
	}
	snap := points.Clone()
	rows := make(indexedRows, snap.Len())
	for i := range rows {
		rows[i] = indexedRow{row: i, v: snap.Row(i)}
	}
	return &SpatialIndex{data: snap, tree: kdtree.New(rows, false)}, nil
}

// Len returns the number of indexed rows.
func (s *SpatialIndex) Len() int { return s.data.Len() }

// Dims returns the dimensionality of the indexed rows.
func (s *SpatialIndex) Dims() int { return s.data.Dims() }

// Data returns the snapshot the index was built from. Callers must not
// modify it.
func (s *SpatialIndex) Data() *PointSet { return s.data }

// KNearest returns the k rows closest to q and their squared distances,
// sorted by ascending distance then ascending row. k must be at least 1 and
// strictly less than Len().
func (s *SpatialIndex) KNearest(q []float64, k int) ([]int, []float64, error) {
	if k < 1 || k >= s.Len() {
		return nil, nil, fmt.Errorf("k=%d with %d indexed points: %w", k, s.Len(), ErrInvalidK)
	}
	if len(q) != s.Dims() {
		return nil, nil, fmt.Errorf("query has %d dims, index has %d: %w", len(q), s.Dims(), ErrDimensionMismatch)
	}
	query := indexedRow{row: -1, v: q}

	nk := kdtree.NewNKeeper(k)
	s.tree.NearestSet(nk, query)
	kth := -1.0
	for _, c := range nk.Heap {
		if c.Comparable != nil && c.Dist > kth {
			kth = c.Dist
		}
	}
	if kth < 0 {
		return nil, nil, ErrEmptyPointSet
	}

	// The n-keeper keeps an arbitrary subset of rows tied at the k-th
	// distance. Collect every row within that radius and sort explicitly.
	dk := kdtree.NewDistKeeper(kth)
	s.tree.NearestSet(dk, query)
	found := make([]kdtree.ComparableDist, 0, len(dk.Heap))
	for _, c := range dk.Heap {
		if c.Comparable != nil {
			found = append(found, c)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Dist != found[j].Dist {
			return found[i].Dist < found[j].Dist
		}
		return found[i].Comparable.(indexedRow).row < found[j].Comparable.(indexedRow).row
	})
	if len(found) > k {
		found = found[:k]
	}

	idx := make([]int, len(found))
	dist := make([]float64, len(found))
	for i, c := range found {
		idx[i] = c.Comparable.(indexedRow).row
		dist[i] = c.Dist
	}
	return idx, dist, nil
}
