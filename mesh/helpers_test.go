package mesh

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/require"
)

// gridMesh builds an nx by ny vertex grid with the given spacing in the xy
// plane, lifted by height, triangulated with normals facing +z.
func gridMesh(t *testing.T, nx, ny int, spacing float64, height func(x, y float64) float64) *Mesh {
	t.Helper()
	positions := make([]mgl64.Vec3, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			x, y := float64(i)*spacing, float64(j)*spacing
			z := 0.0
			if height != nil {
				z = height(x, y)
			}
			positions = append(positions, mgl64.Vec3{x, y, z})
		}
	}
	var faces FaceList
	for j := 0; j+1 < ny; j++ {
		for i := 0; i+1 < nx; i++ {
			v00 := j*nx + i
			v10 := v00 + 1
			v01 := v00 + nx
			v11 := v01 + 1
			faces = append(faces, Face{v00, v10, v11}, Face{v00, v11, v01})
		}
	}
	features, err := NewFeatureSet(positions, nil)
	require.NoError(t, err)
	m, err := NewMesh(features, faces, nil)
	require.NoError(t, err)
	require.NoError(t, m.RecomputeNormals())
	return m
}

// randomPoints returns n uniformly random rows of the given width in
// [0,scale). 6-wide rows get unit normals.
func randomPoints(t *testing.T, rng *rand.Rand, n, dims int, scale float64) *PointSet {
	t.Helper()
	ps, err := NewPointSet(n, dims)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		ps.SetPosition(i, mgl64.Vec3{rng.Float64() * scale, rng.Float64() * scale, rng.Float64() * scale})
		if dims == FeatureDims {
			ps.SetNormal(i, mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Normalize())
		}
	}
	return ps
}

// nearestDistances returns, for every row of a, the distance to the closest
// position in b, by brute force.
func nearestDistances(a, b *PointSet) []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		best := -1.0
		for j := 0; j < b.Len(); j++ {
			d := a.Position(i).Sub(b.Position(j)).Len()
			if best < 0 || d < best {
				best = d
			}
		}
		out[i] = best
	}
	return out
}

func mean(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

// recordingObserver collects every event it sees.
type recordingObserver struct {
	events  []IterationEvent
	summary []RunSummary
}

func (r *recordingObserver) OnIteration(ev IterationEvent) { r.events = append(r.events, ev) }
func (r *recordingObserver) OnComplete(s RunSummary)       { r.summary = append(r.summary, s) }
