package mesh

import (
	"bytes"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateInliers_SeparatesOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	floating := randomPoints(t, rng, 200, FeatureDims, 20)
	corresponding := floating.Clone()
	for i := 0; i < corresponding.Len(); i++ {
		jitter := mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}.Mul(0.05)
		corresponding.SetPosition(i, floating.Position(i).Add(jitter))
	}
	outliers := []int{3, 50, 120}
	for _, i := range outliers {
		corresponding.SetPosition(i, floating.Position(i).Add(mgl64.Vec3{8, 0, 0}))
	}

	w, err := EstimateInliers(floating, corresponding, nil, DefaultInlierConfig(), nil)
	require.NoError(t, err)
	require.Len(t, w, 200)
	for i, v := range w {
		assert.GreaterOrEqual(t, v, 0.0, "row %d", i)
		assert.LessOrEqual(t, v, 1.0, "row %d", i)
	}
	for _, i := range outliers {
		assert.Less(t, w[i], 0.1, "outlier row %d", i)
	}
	assert.Greater(t, w[0], 0.9)
	assert.Greater(t, w.Mean(), 0.8)
}

func TestEstimateInliers_SeedAndOrientation(t *testing.T) {
	floating, err := NewFeatureSet(
		[]mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {3, 0, 0}},
		[]mgl64.Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1}})
	require.NoError(t, err)
	corresponding := floating.Clone()
	corresponding.SetNormal(2, mgl64.Vec3{0, 0, -1})

	seed := FlagVector{1, 0, 1, 1}
	w, err := EstimateInliers(floating, corresponding, seed, DefaultInlierConfig(), nil)
	require.NoError(t, err)
	assert.Zero(t, w[1], "unseeded rows stay at zero")
	assert.Less(t, w[2], 1e-5, "flipped normal is discounted")
	assert.Greater(t, w[3], 0.9)

	cfg := DefaultInlierConfig()
	cfg.UseOrientation = false
	w, err = EstimateInliers(floating, corresponding, seed, cfg, nil)
	require.NoError(t, err)
	assert.Greater(t, w[2], 0.9)
}

func TestEstimateInliers_MeshOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	target := gridMesh(t, 15, 15, 1, func(x, y float64) float64 { return 0.05 * x * y })
	moving := target.Clone()

	// One vertex in ten is thrown far off the surface.
	n := moving.Len()
	outliers := rng.Perm(n)[:n/10]
	isOutlier := make(map[int]bool, len(outliers))
	for _, i := range outliers {
		isOutlier[i] = true
		lift := 60 + 40*rng.Float64()
		if rng.Intn(2) == 0 {
			lift = -lift
		}
		noise := mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), lift}
		moving.Features.SetPosition(i, moving.Features.Position(i).Add(noise))
	}

	movingIdx, err := BuildIndex(moving.Features)
	require.NoError(t, err)
	targetIdx, err := BuildIndex(target.Features)
	require.NoError(t, err)
	corr, err := SymmetricCorrespond(movingIdx, targetIdx, nil, nil, DefaultCorrespondenceConfig())
	require.NoError(t, err)

	w, err := EstimateInliers(moving.Features, corr.Features, corr.Flags, DefaultInlierConfig(), nil)
	require.NoError(t, err)

	var inlierSum, outlierMax float64
	for i, v := range w {
		if isOutlier[i] {
			outlierMax = max(outlierMax, v)
			continue
		}
		inlierSum += v
	}
	assert.Less(t, outlierMax, 0.05)
	assert.Greater(t, inlierSum/float64(n-len(outliers)), 0.9)
}

func TestEstimateInliers_WarnsOnFlippedNormals(t *testing.T) {
	floating, err := NewFeatureSet(
		[]mgl64.Vec3{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {3, 0, 0}},
		[]mgl64.Vec3{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		flip     bool
		wantWarn bool
	}{
		{"normals agree", false, false},
		{"normals flipped", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corresponding := floating.Clone()
			if tt.flip {
				for i := 0; i < corresponding.Len(); i++ {
					corresponding.SetNormal(i, mgl64.Vec3{0, 0, -1})
				}
			}
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))

			w, err := EstimateInliers(floating, corresponding, nil, DefaultInlierConfig(), logger)
			require.NoError(t, err, "a low orientation agreement must not fail the estimate")
			require.Len(t, w, 4)

			out := logs.String()
			if tt.wantWarn {
				assert.Contains(t, out, "level=WARN")
				assert.Contains(t, out, "mean_orientation_weight")
				assert.Less(t, w.Mean(), 1e-5)
			} else {
				assert.NotContains(t, out, "level=WARN")
				assert.Greater(t, w.Mean(), 0.9)
			}
		})
	}
}

func TestEstimateInliers_Errors(t *testing.T) {
	ps, err := PointSetFromRows([][]float64{{0, 0, 0}, {1, 1, 1}})
	require.NoError(t, err)
	other, err := PointSetFromRows([][]float64{{0, 0, 0}})
	require.NoError(t, err)

	_, err = EstimateInliers(ps, ps, FlagVector{0, 0}, DefaultInlierConfig(), nil)
	assert.ErrorIs(t, err, ErrZeroWeightSum)

	_, err = EstimateInliers(ps, other, nil, DefaultInlierConfig(), nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = EstimateInliers(ps, ps, nil, InlierConfig{Kappa: 0, Iterations: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
