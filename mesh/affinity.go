package mesh

import (
	"fmt"
	"sort"
)

// AffinityMatrix is an immutable sparse non-negative matrix in compressed
// sparse row form. Entry (i,j) is the weight target row j contributes to
// query row i.
type AffinityMatrix struct {
	rows, cols int
	rowPtr     []int
	colIdx     []int
	vals       []float64
}

type sparseEntry struct {
	col int
	val float64
}

// AffinityBuilder accumulates (row, col, weight) triples. Distinct rows may
// be filled from different goroutines; a single row must not.
type AffinityBuilder struct {
	rows, cols int
	entries    [][]sparseEntry
}

// NewAffinityBuilder starts an empty rows x cols matrix.
func NewAffinityBuilder(rows, cols int) *AffinityBuilder {
	return &AffinityBuilder{rows: rows, cols: cols, entries: make([][]sparseEntry, rows)}
}

// Add appends a weight to (i,j). Repeated coordinates are summed by Build.
func (b *AffinityBuilder) Add(i, j int, w float64) {
	b.entries[i] = append(b.entries[i], sparseEntry{col: j, val: w})
}

// Build freezes the triples into a matrix.
func (b *AffinityBuilder) Build() *AffinityMatrix {
	m := &AffinityMatrix{rows: b.rows, cols: b.cols, rowPtr: make([]int, b.rows+1)}
	for i, row := range b.entries {
		sort.Slice(row, func(x, y int) bool { return row[x].col < row[y].col })
		for k, e := range row {
			if k > 0 && row[k-1].col == e.col {
				m.vals[len(m.vals)-1] += e.val
				continue
			}
			m.colIdx = append(m.colIdx, e.col)
			m.vals = append(m.vals, e.val)
		}
		m.rowPtr[i+1] = len(m.colIdx)
	}
	return m
}

// Rows returns the number of rows.
func (m *AffinityMatrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *AffinityMatrix) Cols() int { return m.cols }

// NNZ returns the number of stored entries.
func (m *AffinityMatrix) NNZ() int { return len(m.vals) }

// Row returns the column indices and weights of row i as views.
func (m *AffinityMatrix) Row(i int) ([]int, []float64) {
	lo, hi := m.rowPtr[i], m.rowPtr[i+1]
	return m.colIdx[lo:hi], m.vals[lo:hi]
}

// At returns entry (i,j), zero when not stored.
func (m *AffinityMatrix) At(i, j int) float64 {
	cols, vals := m.Row(i)
	k := sort.SearchInts(cols, j)
	if k < len(cols) && cols[k] == j {
		return vals[k]
	}
	return 0
}

// RowSum returns the sum of row i.
func (m *AffinityMatrix) RowSum(i int) float64 {
	_, vals := m.Row(i)
	var s float64
	for _, v := range vals {
		s += v
	}
	return s
}

func (m *AffinityMatrix) clone() *AffinityMatrix {
	return &AffinityMatrix{
		rows:   m.rows,
		cols:   m.cols,
		rowPtr: append([]int(nil), m.rowPtr...),
		colIdx: append([]int(nil), m.colIdx...),
		vals:   append([]float64(nil), m.vals...),
	}
}

// NormalizeRows returns a copy whose rows each sum to 1. Rows summing to
// zero stay zero.
func (m *AffinityMatrix) NormalizeRows() *AffinityMatrix {
	out := m.clone()
	for i := 0; i < out.rows; i++ {
		s := out.RowSum(i)
		if s <= 0 {
			continue
		}
		_, vals := out.Row(i)
		for k := range vals {
			vals[k] /= s
		}
	}
	return out
}

// Transpose returns the cols x rows transpose.
func (m *AffinityMatrix) Transpose() *AffinityMatrix {
	b := NewAffinityBuilder(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		cols, vals := m.Row(i)
		for k, j := range cols {
			b.Add(j, i, vals[k])
		}
	}
	return b.Build()
}

// Add returns m + o. Both must have the same shape.
func (m *AffinityMatrix) Add(o *AffinityMatrix) (*AffinityMatrix, error) {
	if m.rows != o.rows || m.cols != o.cols {
		return nil, fmt.Errorf("add %dx%d to %dx%d: %w", o.rows, o.cols, m.rows, m.cols, ErrDimensionMismatch)
	}
	b := NewAffinityBuilder(m.rows, m.cols)
	for _, src := range []*AffinityMatrix{m, o} {
		for i := 0; i < src.rows; i++ {
			cols, vals := src.Row(i)
			for k, j := range cols {
				b.Add(i, j, vals[k])
			}
		}
	}
	return b.Build(), nil
}

// MulVec returns m*v.
func (m *AffinityMatrix) MulVec(v []float64) ([]float64, error) {
	if len(v) != m.cols {
		return nil, fmt.Errorf("vector length %d, want %d: %w", len(v), m.cols, ErrDimensionMismatch)
	}
	out := make([]float64, m.rows)
	for i := range out {
		cols, vals := m.Row(i)
		var s float64
		for k, j := range cols {
			s += vals[k] * v[j]
		}
		out[i] = s
	}
	return out, nil
}

// MulPointSet returns m*ps: every output row is the weighted sum of the
// target rows it references. ps must have Cols() rows.
func (m *AffinityMatrix) MulPointSet(ps *PointSet) (*PointSet, error) {
	if ps.Len() != m.cols {
		return nil, fmt.Errorf("point set has %d rows, want %d: %w", ps.Len(), m.cols, ErrDimensionMismatch)
	}
	out, err := NewPointSet(m.rows, ps.Dims())
	if err != nil {
		return nil, err
	}
	err = parallelRows(m.rows, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			dst := out.Row(i)
			cols, vals := m.Row(i)
			for k, j := range cols {
				src := ps.Row(j)
				for d := range dst {
					dst[d] += vals[k] * src[d]
				}
			}
		}
		return nil
	})
	return out, err
}
