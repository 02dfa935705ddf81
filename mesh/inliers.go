package mesh

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// gaussConst is the peak of the unit normal density, 1/sqrt(2π).
var gaussConst = 1 / math.Sqrt(2*math.Pi)

// minOrientationWeight keeps the orientation factor strictly positive.
const minOrientationWeight = 1e-6

// InlierConfig controls the robust inlier estimator.
type InlierConfig struct {
	Kappa          float64 `yaml:"kappa" json:"kappa"`                   // Outlier level, in standard deviations
	UseOrientation bool    `yaml:"useOrientation" json:"useOrientation"` // Discount rows whose normals disagree
	Iterations     int     `yaml:"iterations" json:"iterations"`         // EM passes; also bounds sigma to [1/n, n]
}

// DefaultInlierConfig returns kappa 4 with orientation discounting over 10 passes.
func DefaultInlierConfig() InlierConfig {
	return InlierConfig{Kappa: 4, UseOrientation: true, Iterations: 10}
}

// Validate checks the estimator parameters.
func (c InlierConfig) Validate() error {
	if c.Kappa <= 0 {
		return fmt.Errorf("inlier kappa %v must be positive: %w", c.Kappa, ErrInvalidConfig)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("inlier iterations %d must be at least 1: %w", c.Iterations, ErrInvalidConfig)
	}
	return nil
}

// EstimateInliers returns the probability that each floating row is matched
// by a genuine correspondence rather than an outlier.
//
// Starting from seed, every pass fits a single Gaussian scale to the
// probability-weighted position residuals and multiplies each row's
// probability by its responsibility against a uniform outlier level placed
// kappa deviations out. With UseOrientation and 6-wide inputs, the result is
// further scaled by the agreement of the paired normals. A mean agreement
// under 0.5 is logged as a warning since it usually means flipped normals.
func EstimateInliers(floating, corresponding *PointSet, seed FlagVector, cfg InlierConfig, logger *slog.Logger) (InlierWeights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := floating.Len()
	if n == 0 {
		return nil, ErrEmptyPointSet
	}
	if corresponding.Len() != n || corresponding.Dims() != floating.Dims() {
		return nil, fmt.Errorf("floating %dx%d vs corresponding %dx%d: %w",
			n, floating.Dims(), corresponding.Len(), corresponding.Dims(), ErrDimensionMismatch)
	}
	seed, err := seed.orOnes(n)
	if err != nil {
		return nil, fmt.Errorf("seed flags: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	probs := make([]float64, n)
	for i, f := range seed {
		probs[i] = math.Min(1, math.Max(0, f))
	}
	sqd := make([]float64, n)
	for i := range sqd {
		sqd[i] = corresponding.Position(i).Sub(floating.Position(i)).LenSqr()
	}

	minSigma := 1 / float64(cfg.Iterations)
	maxSigma := float64(cfg.Iterations)
	outlier := gaussConst * math.Exp(-0.5*cfg.Kappa*cfg.Kappa)

	for it := 0; it < cfg.Iterations; it++ {
		den := floats.Sum(probs)
		if den <= 0 {
			return nil, fmt.Errorf("inlier pass %d: %w", it, ErrZeroWeightSum)
		}
		sigma := math.Sqrt(floats.Dot(probs, sqd) / den)
		sigma = math.Max(minSigma, math.Min(sigma, maxSigma))
		lambda := outlier / sigma
		sigSq := sigma * sigma

		_ = parallelRows(n, func(lo, hi int) error {
			for j := lo; j < hi; j++ {
				p := gaussConst * math.Exp(-0.5*sqd[j]/sigSq) / sigma
				probs[j] *= p / (p + lambda)
			}
			return nil
		})
	}

	if cfg.UseOrientation && floating.HasNormals() {
		var sum float64
		for i := range probs {
			dp := floating.Normal(i).Dot(corresponding.Normal(i))
			w := math.Max(minOrientationWeight, math.Min(1, 0.5+dp/2))
			sum += w
			probs[i] *= w
		}
		if avg := sum / float64(n); avg < 0.5 {
			logger.Warn("low orientation inlier weights, normals may be flipped",
				slog.Float64("mean_orientation_weight", avg),
				slog.Int("points", n))
		}
	}

	return InlierWeights(probs), nil
}
