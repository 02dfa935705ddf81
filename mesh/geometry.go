package mesh

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// NormalRecomputer rebuilds per-vertex normals of a 6-wide feature set from
// its current positions. Implementations only overwrite normals they can
// derive; any other row keeps the normal it had.
type NormalRecomputer interface {
	RecomputeNormals(features *PointSet) error
}

// FaceList is the triangle topology of a mesh. It never changes during
// registration.
type FaceList []Face

// RecomputeNormals accumulates the area-weighted normal of every face onto
// its three vertices and normalizes the sums. Vertices touched by no face,
// or only by degenerate ones, keep their current normal.
func (fl FaceList) RecomputeNormals(features *PointSet) error {
	if !features.HasNormals() {
		return fmt.Errorf("recompute normals on %d-wide set: %w", features.Dims(), ErrDimensionMismatch)
	}
	n := features.Len()
	acc := make([]mgl64.Vec3, n)
	for i, f := range fl {
		a, b, c := f[0], f[1], f[2]
		if a < 0 || a >= n || b < 0 || b >= n || c < 0 || c >= n {
			return fmt.Errorf("face %d: %w", i, ErrFaceIndex)
		}
		va, vb, vc := features.Position(a), features.Position(b), features.Position(c)
		fn := vb.Sub(va).Cross(vc.Sub(vb))
		acc[a] = acc[a].Add(fn)
		acc[b] = acc[b].Add(fn)
		acc[c] = acc[c].Add(fn)
	}
	for i, v := range acc {
		if l := v.Len(); l > 0 {
			features.SetNormal(i, v.Mul(1/l))
		}
	}
	return nil
}

// ApplyDisplacement adds d to every position of features and asks topo to
// rebuild the normals. A nil topo leaves the normals untouched.
func ApplyDisplacement(features *PointSet, d DisplacementField, topo NormalRecomputer) error {
	if len(d) != features.Len() {
		return fmt.Errorf("displacement of %d rows for %d points: %w", len(d), features.Len(), ErrDimensionMismatch)
	}
	for i, v := range d {
		features.SetPosition(i, features.Position(i).Add(v))
	}
	if topo == nil {
		return nil
	}
	return topo.RecomputeNormals(features)
}

// ApplyDisplacement moves the mesh vertices and rebuilds normals from faces.
func (m *Mesh) ApplyDisplacement(d DisplacementField) error {
	var topo NormalRecomputer
	if len(m.Faces) > 0 {
		topo = m.Faces
	}
	return ApplyDisplacement(m.Features, d, topo)
}

// RecomputeNormals rebuilds normals from the face list.
func (m *Mesh) RecomputeNormals() error {
	return m.Faces.RecomputeNormals(m.Features)
}

// Centroid returns the mean position of ps.
func Centroid(ps *PointSet) mgl64.Vec3 {
	var c mgl64.Vec3
	n := ps.Len()
	if n == 0 {
		return c
	}
	for i := 0; i < n; i++ {
		c = c.Add(ps.Position(i))
	}
	return c.Mul(1 / float64(n))
}

// MeanDistance returns the mean Euclidean distance between paired rows of a
// and b.
func MeanDistance(a, b *PointSet) (float64, error) {
	if a.Len() != b.Len() {
		return 0, fmt.Errorf("%d vs %d rows: %w", a.Len(), b.Len(), ErrDimensionMismatch)
	}
	if a.Len() == 0 {
		return 0, ErrEmptyPointSet
	}
	var s float64
	for i := 0; i < a.Len(); i++ {
		s += a.Position(i).Sub(b.Position(i)).Len()
	}
	return s / float64(a.Len()), nil
}
