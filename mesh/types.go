package mesh

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// PositionDims and FeatureDims are the two supported row widths of a PointSet.
const (
	PositionDims = 3
	FeatureDims  = 6
)

// PointSet is an ordered set of rows stored in one flat buffer. A row is a
// position (3 values) or a position followed by a unit normal (6 values).
// Row order is the identity of a point for the lifetime of a registration run.
type PointSet struct {
	dims int
	data []float64
}

// NewPointSet allocates a zeroed point set with n rows of the given width.
func NewPointSet(n, dims int) (*PointSet, error) {
	if dims != PositionDims && dims != FeatureDims {
		return nil, fmt.Errorf("point set width %d: %w", dims, ErrDimensionMismatch)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative row count %d", n)
	}
	return &PointSet{dims: dims, data: make([]float64, n*dims)}, nil
}

// PointSetFromRows copies rows into a new point set. Every row must have the
// same width, either 3 or 6.
func PointSetFromRows(rows [][]float64) (*PointSet, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyPointSet
	}
	ps, err := NewPointSet(len(rows), len(rows[0]))
	if err != nil {
		return nil, err
	}
	for i, r := range rows {
		if len(r) != ps.dims {
			return nil, fmt.Errorf("row %d has %d values, want %d: %w", i, len(r), ps.dims, ErrDimensionMismatch)
		}
		copy(ps.Row(i), r)
	}
	return ps, nil
}

// NewFeatureSet builds a 6-wide point set from positions and normals.
// A nil normals slice leaves the normal columns zeroed.
func NewFeatureSet(positions, normals []mgl64.Vec3) (*PointSet, error) {
	if normals != nil && len(normals) != len(positions) {
		return nil, fmt.Errorf("%d normals for %d positions: %w", len(normals), len(positions), ErrDimensionMismatch)
	}
	ps, err := NewPointSet(len(positions), FeatureDims)
	if err != nil {
		return nil, err
	}
	for i, p := range positions {
		ps.SetPosition(i, p)
		if normals != nil {
			ps.SetNormal(i, normals[i])
		}
	}
	return ps, nil
}

// Len returns the number of rows.
func (p *PointSet) Len() int {
	if p == nil || p.dims == 0 {
		return 0
	}
	return len(p.data) / p.dims
}

// Dims returns the row width.
func (p *PointSet) Dims() int { return p.dims }

// HasNormals reports whether rows carry a normal.
func (p *PointSet) HasNormals() bool { return p.dims == FeatureDims }

// Row returns row i as a view into the underlying buffer.
func (p *PointSet) Row(i int) []float64 {
	return p.data[i*p.dims : (i+1)*p.dims : (i+1)*p.dims]
}

// Position returns the position of row i.
func (p *PointSet) Position(i int) mgl64.Vec3 {
	o := i * p.dims
	return mgl64.Vec3{p.data[o], p.data[o+1], p.data[o+2]}
}

// Normal returns the normal of row i, or the zero vector for a 3-wide set.
func (p *PointSet) Normal(i int) mgl64.Vec3 {
	if p.dims != FeatureDims {
		return mgl64.Vec3{}
	}
	o := i*p.dims + 3
	return mgl64.Vec3{p.data[o], p.data[o+1], p.data[o+2]}
}

// SetPosition overwrites the position of row i.
func (p *PointSet) SetPosition(i int, v mgl64.Vec3) {
	copy(p.data[i*p.dims:], v[:])
}

// SetNormal overwrites the normal of row i. It is a no-op on a 3-wide set.
func (p *PointSet) SetNormal(i int, n mgl64.Vec3) {
	if p.dims != FeatureDims {
		return
	}
	copy(p.data[i*p.dims+3:], n[:])
}

// Clone returns a deep copy.
func (p *PointSet) Clone() *PointSet {
	return &PointSet{dims: p.dims, data: append([]float64(nil), p.data...)}
}

// Positions returns a 3-wide copy holding only the position columns.
func (p *PointSet) Positions() *PointSet {
	out := &PointSet{dims: PositionDims, data: make([]float64, p.Len()*PositionDims)}
	for i := 0; i < p.Len(); i++ {
		out.SetPosition(i, p.Position(i))
	}
	return out
}

// CopyFrom overwrites p with the contents of src. Both sets must have the
// same shape.
func (p *PointSet) CopyFrom(src *PointSet) error {
	if src.dims != p.dims || len(src.data) != len(p.data) {
		return fmt.Errorf("copy %dx%d into %dx%d: %w", src.Len(), src.dims, p.Len(), p.dims, ErrDimensionMismatch)
	}
	copy(p.data, src.data)
	return nil
}

// FlagVector marks which rows may take part in correspondence search.
// Entries are 0 or 1. A nil FlagVector means every row is eligible.
type FlagVector []float64

// Ones returns a FlagVector of length n with every entry set.
func Ones(n int) FlagVector {
	f := make(FlagVector, n)
	for i := range f {
		f[i] = 1
	}
	return f
}

// orOnes expands a nil vector to all ones and checks the length otherwise.
func (f FlagVector) orOnes(n int) (FlagVector, error) {
	if f == nil {
		return Ones(n), nil
	}
	if len(f) != n {
		return nil, fmt.Errorf("flag vector length %d, want %d: %w", len(f), n, ErrDimensionMismatch)
	}
	return f, nil
}

// Count returns the number of set entries.
func (f FlagVector) Count() int {
	n := 0
	for _, v := range f {
		if v > 0 {
			n++
		}
	}
	return n
}

// InlierWeights holds one probability in [0,1] per floating row.
type InlierWeights []float64

// Mean returns the average weight, or 0 for an empty vector.
func (w InlierWeights) Mean() float64 {
	if len(w) == 0 {
		return 0
	}
	var s float64
	for _, v := range w {
		s += v
	}
	return s / float64(len(w))
}

// DisplacementField holds one displacement per moving vertex.
type DisplacementField []mgl64.Vec3

// MaxNorm returns the largest displacement length in the field.
func (d DisplacementField) MaxNorm() float64 {
	var m float64
	for _, v := range d {
		if l := v.Len(); l > m {
			m = l
		}
	}
	return m
}

// Face is an oriented triangle given by three row indices.
type Face [3]int

// Mesh is a feature point set plus the triangles used to rebuild its normals.
type Mesh struct {
	Features *PointSet
	Faces    FaceList
	Flags    FlagVector
}

// NewMesh validates and assembles a mesh. Features must be 6 wide.
func NewMesh(features *PointSet, faces FaceList, flags FlagVector) (*Mesh, error) {
	m := &Mesh{Features: features, Faces: faces, Flags: flags}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks row width, face indices and the flag length.
func (m *Mesh) Validate() error {
	if m.Features == nil || m.Features.Len() == 0 {
		return ErrEmptyPointSet
	}
	if !m.Features.HasNormals() {
		return fmt.Errorf("mesh features must be %d wide, got %d: %w", FeatureDims, m.Features.Dims(), ErrDimensionMismatch)
	}
	n := m.Features.Len()
	for i, f := range m.Faces {
		for _, v := range f {
			if v < 0 || v >= n {
				return fmt.Errorf("face %d references vertex %d of %d: %w", i, v, n, ErrFaceIndex)
			}
		}
	}
	if m.Flags != nil && len(m.Flags) != n {
		return fmt.Errorf("mesh flags length %d, want %d: %w", len(m.Flags), n, ErrDimensionMismatch)
	}
	return nil
}

// Len returns the vertex count.
func (m *Mesh) Len() int { return m.Features.Len() }

// Clone returns a deep copy of the mesh.
func (m *Mesh) Clone() *Mesh {
	c := &Mesh{Features: m.Features.Clone(), Faces: append(FaceList(nil), m.Faces...)}
	if m.Flags != nil {
		c.Flags = append(FlagVector(nil), m.Flags...)
	}
	return c
}
