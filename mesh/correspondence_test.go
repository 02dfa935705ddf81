package mesh

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAffinity_RowsNormalizedAndOriented(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	query := randomPoints(t, rng, 40, FeatureDims, 5)
	target := randomPoints(t, rng, 60, FeatureDims, 5)
	idx, err := BuildIndex(target)
	require.NoError(t, err)

	a, err := ComputeAffinity(query, idx, 4, true)
	require.NoError(t, err)
	assert.Equal(t, 40, a.Rows())
	assert.Equal(t, 60, a.Cols())
	for i := 0; i < a.Rows(); i++ {
		cols, vals := a.Row(i)
		assert.Len(t, cols, 4)
		assert.InDelta(t, 1.0, a.RowSum(i), 1e-9)
		for _, v := range vals {
			assert.Greater(t, v, 0.0)
		}
	}
}

func TestComputeAffinity_OppositeNormalsFloored(t *testing.T) {
	// One query point with its normal flipped against both targets.
	query, err := NewFeatureSet([]mgl64.Vec3{{0, 0, 0}}, []mgl64.Vec3{{0, 0, -1}})
	require.NoError(t, err)
	target, err := NewFeatureSet(
		[]mgl64.Vec3{{0, 0, 0.5}, {0, 0, 1}, {9, 9, 9}},
		[]mgl64.Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}})
	require.NoError(t, err)
	idx, err := BuildIndex(target)
	require.NoError(t, err)

	a, err := ComputeAffinity(query, idx, 2, false)
	require.NoError(t, err)
	_, vals := a.Row(0)
	for _, v := range vals {
		assert.Equal(t, minAffinity, v)
	}
}

func TestCalcFlags(t *testing.T) {
	b := NewAffinityBuilder(3, 2)
	b.Add(0, 0, 1)
	b.Add(1, 0, 1)
	b.Add(1, 1, 1)
	b.Add(2, 1, 1)
	a := b.Build().NormalizeRows()

	flags, err := CalcFlags(a, FlagVector{1, 0}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, FlagVector{1, 0, 0}, flags, "0.5 is not above the threshold")

	flags, err = CalcFlags(a, FlagVector{1, 0}, 0.4)
	require.NoError(t, err)
	assert.Equal(t, FlagVector{1, 1, 0}, flags)

	_, err = CalcFlags(a, FlagVector{1, 0}, 1.5)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = CalcFlags(a, FlagVector{1}, 0.5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSymmetricCorrespond_IdenticalSurfaces(t *testing.T) {
	m := gridMesh(t, 8, 8, 1, nil)
	idx, err := BuildIndex(m.Features)
	require.NoError(t, err)

	c, err := SymmetricCorrespond(idx, idx, nil, nil, DefaultCorrespondenceConfig())
	require.NoError(t, err)
	assert.Equal(t, m.Len(), c.Flags.Count())
	for i := 0; i < m.Len(); i++ {
		assert.InDelta(t, 1.0, c.Affinity.RowSum(i), 1e-9)
		// Self matches dominate with the 1e-6 distance floor.
		assert.InDelta(t, 0, c.Features.Position(i).Sub(m.Features.Position(i)).Len(), 1e-4)
	}
}

func TestSymmetricCorrespond_InvalidTargetsClearFlags(t *testing.T) {
	moving := gridMesh(t, 6, 6, 1, nil)
	target := gridMesh(t, 6, 6, 1, nil)

	// Mark the right half of the target invalid.
	tf := Ones(target.Len())
	for i := 0; i < target.Len(); i++ {
		if target.Features.Position(i).X() >= 3 {
			tf[i] = 0
		}
	}
	mi, err := BuildIndex(moving.Features)
	require.NoError(t, err)
	ti, err := BuildIndex(target.Features)
	require.NoError(t, err)

	c, err := SymmetricCorrespond(mi, ti, nil, tf, DefaultCorrespondenceConfig())
	require.NoError(t, err)
	for i := 0; i < moving.Len(); i++ {
		x := moving.Features.Position(i).X()
		if x >= 4 {
			assert.Zero(t, c.Flags[i], "vertex %d at x=%v matched invalid targets", i, x)
		}
		if x <= 1 {
			assert.Equal(t, 1.0, c.Flags[i], "vertex %d at x=%v is far from invalid targets", i, x)
		}
	}
}

func TestCorrespond_NonSymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	query := randomPoints(t, rng, 30, FeatureDims, 4)
	target := randomPoints(t, rng, 30, FeatureDims, 4)
	qi, err := BuildIndex(query)
	require.NoError(t, err)
	ti, err := BuildIndex(target)
	require.NoError(t, err)

	cfg := DefaultCorrespondenceConfig()
	cfg.Symmetric = false
	qf := Ones(30)
	qf[5] = 0
	c, err := Correspond(qi, ti, qf, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, 29, c.Flags.Count())
	assert.Zero(t, c.Flags[5])
	for i := 0; i < 30; i++ {
		cols, _ := c.Affinity.Row(i)
		assert.Len(t, cols, cfg.K)
	}
}

func TestCorrespondenceConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*CorrespondenceConfig)
		want error
	}{
		{"default", func(*CorrespondenceConfig) {}, nil},
		{"zero k", func(c *CorrespondenceConfig) { c.K = 0 }, ErrInvalidK},
		{"threshold above one", func(c *CorrespondenceConfig) { c.FlagThreshold = 1.1 }, ErrInvalidThreshold},
		{"negative threshold", func(c *CorrespondenceConfig) { c.FlagThreshold = -0.1 }, ErrInvalidThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCorrespondenceConfig()
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}
