package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// RigidConfig holds configuration for iterative rigid registration.
type RigidConfig struct {
	Correspondence       CorrespondenceConfig `yaml:"correspondence" json:"correspondence"`
	Inlier               InlierConfig         `yaml:"inlier" json:"inlier"`
	UseScaling           bool                 `yaml:"useScaling" json:"useScaling"`                     // Estimate a uniform scale as well
	MaxIterations        int                  `yaml:"maxIterations" json:"maxIterations"`               // Upper bound on outer iterations
	ConvergenceTolerance float64              `yaml:"convergenceTolerance" json:"convergenceTolerance"` // Stop when the increment is this close to identity
}

// DefaultRigidConfig returns symmetric k=3 correspondences with scale
// estimation and at most 20 iterations.
func DefaultRigidConfig() RigidConfig {
	return RigidConfig{
		Correspondence:       DefaultCorrespondenceConfig(),
		Inlier:               DefaultInlierConfig(),
		UseScaling:           true,
		MaxIterations:        20,
		ConvergenceTolerance: 1e-6,
	}
}

// Validate checks the rigid configuration.
func (c RigidConfig) Validate() error {
	if err := c.Correspondence.Validate(); err != nil {
		return err
	}
	if err := c.Inlier.Validate(); err != nil {
		return err
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("rigid max iterations %d must be at least 1: %w", c.MaxIterations, ErrInvalidConfig)
	}
	if c.ConvergenceTolerance < 0 {
		return fmt.Errorf("negative convergence tolerance: %w", ErrInvalidConfig)
	}
	return nil
}

// RigidResult contains the outcome of RegisterRigid.
type RigidResult struct {
	RunID            string        `json:"runId"`
	Transform        Transform     `json:"transform"`        // Accumulated transform mapping the original moving mesh onto the target
	Iterations       int           `json:"iterations"`       // Outer iterations performed
	Converged        bool          `json:"converged"`        // Whether the last increment was near identity
	MeanInlierWeight float64       `json:"meanInlierWeight"` // Of the final iteration
	Elapsed          time.Duration `json:"elapsed"`
}

// NonRigidConfig holds configuration for viscoelastic registration.
type NonRigidConfig struct {
	Correspondence CorrespondenceConfig `yaml:"correspondence" json:"correspondence"`
	Inlier         InlierConfig         `yaml:"inlier" json:"inlier"`
	Iterations     int                  `yaml:"iterations" json:"iterations"`   // Outer iterations; also the annealing length
	SmoothK        int                  `yaml:"smoothK" json:"smoothK"`         // Smoothing graph neighbours, capped at n-1
	SmoothSigma    float64              `yaml:"smoothSigma" json:"smoothSigma"` // Gaussian width of smoothing edge weights
	// ViscoElastic.Updates is overridden by Iterations.
	ViscoElastic ViscoElasticConfig `yaml:"viscoElastic" json:"viscoElastic"`
}

// DefaultNonRigidConfig returns 200 iterations over an 80-neighbour graph.
// The defaults assume dense mm-scale scans. Kappa 4 rejects residuals past
// about four deviations, and 100 smoothing passes over 80 neighbours with
// sigma 3 keep a coarse unit-spaced mesh too stiff to follow its target.
// Such meshes need a smaller SmoothK, SmoothSigma and pass count and a
// larger Inlier.Kappa.
func DefaultNonRigidConfig() NonRigidConfig {
	return NonRigidConfig{
		Correspondence: DefaultCorrespondenceConfig(),
		Inlier:         DefaultInlierConfig(),
		Iterations:     200,
		SmoothK:        80,
		SmoothSigma:    3,
		ViscoElastic:   DefaultViscoElasticConfig(),
	}
}

// Validate checks the non-rigid configuration.
func (c NonRigidConfig) Validate() error {
	if err := c.Correspondence.Validate(); err != nil {
		return err
	}
	if err := c.Inlier.Validate(); err != nil {
		return err
	}
	if c.Iterations < 1 {
		return fmt.Errorf("nonrigid iterations %d must be at least 1: %w", c.Iterations, ErrInvalidConfig)
	}
	if c.SmoothK < 1 {
		return fmt.Errorf("smoothK %d: %w", c.SmoothK, ErrInvalidK)
	}
	if c.SmoothSigma <= 0 {
		return fmt.Errorf("smoothSigma %v must be positive: %w", c.SmoothSigma, ErrInvalidConfig)
	}
	ve := c.ViscoElastic
	ve.Updates = c.Iterations
	return ve.Validate()
}

// FastDeformConfig holds configuration for normal-projected fast deformation.
type FastDeformConfig struct {
	Correspondence CorrespondenceConfig `yaml:"correspondence" json:"correspondence"`
	Inlier         InlierConfig         `yaml:"inlier" json:"inlier"`
	Iterations     int                  `yaml:"iterations" json:"iterations"`
	SmoothK        int                  `yaml:"smoothK" json:"smoothK"`
	SmoothSigma    float64              `yaml:"smoothSigma" json:"smoothSigma"`
	SmoothingSteps int                  `yaml:"smoothingSteps" json:"smoothingSteps"` // Regularization passes per iteration
}

// DefaultFastDeformConfig returns symmetric k=7 correspondences over 10
// iterations with one smoothing pass each.
func DefaultFastDeformConfig() FastDeformConfig {
	corr := DefaultCorrespondenceConfig()
	corr.K = 7
	return FastDeformConfig{
		Correspondence: corr,
		Inlier:         DefaultInlierConfig(),
		Iterations:     10,
		SmoothK:        80,
		SmoothSigma:    3,
		SmoothingSteps: 1,
	}
}

// Validate checks the fast deformation configuration.
func (c FastDeformConfig) Validate() error {
	if err := c.Correspondence.Validate(); err != nil {
		return err
	}
	if err := c.Inlier.Validate(); err != nil {
		return err
	}
	if c.Iterations < 1 {
		return fmt.Errorf("fastdeform iterations %d must be at least 1: %w", c.Iterations, ErrInvalidConfig)
	}
	if c.SmoothK < 1 {
		return fmt.Errorf("smoothK %d: %w", c.SmoothK, ErrInvalidK)
	}
	if c.SmoothSigma <= 0 {
		return fmt.Errorf("smoothSigma %v must be positive: %w", c.SmoothSigma, ErrInvalidConfig)
	}
	if c.SmoothingSteps < 0 {
		return fmt.Errorf("negative smoothing steps: %w", ErrInvalidConfig)
	}
	return nil
}

// NonRigidResult contains the outcome of a deforming registration.
type NonRigidResult struct {
	RunID            string            `json:"runId"`
	Iterations       int               `json:"iterations"`
	MeanInlierWeight float64           `json:"meanInlierWeight"` // Of the final iteration
	Displacement     DisplacementField `json:"displacement"`     // Final minus initial vertex positions
	Elapsed          time.Duration     `json:"elapsed"`
}

// MaxDisplacement returns the largest vertex move of the run.
func (r NonRigidResult) MaxDisplacement() float64 { return r.Displacement.MaxNorm() }

func checkPair(moving, target *Mesh) error {
	if moving == nil || target == nil {
		return fmt.Errorf("nil mesh: %w", ErrEmptyPointSet)
	}
	if err := moving.Validate(); err != nil {
		return fmt.Errorf("moving mesh: %w", err)
	}
	if err := target.Validate(); err != nil {
		return fmt.Errorf("target mesh: %w", err)
	}
	return nil
}

// incrementSize is the largest deviation of t from identity.
func incrementSize(t Transform) float64 {
	d := t.Mat4().Sub(mgl64.Ident4())
	var m float64
	for _, v := range d {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// RegisterRigid aligns moving to target with a similarity transform. Each
// iteration finds correspondences from the current moving features, weighs
// them by inlier probability and solves for an increment which is composed
// onto the accumulated transform. The moving features are recomputed from
// their original values every iteration so rounding does not accumulate.
// On return moving holds the aligned features.
func RegisterRigid(ctx context.Context, moving, target *Mesh, cfg RigidConfig, opts ...Option) (RigidResult, error) {
	if err := cfg.Validate(); err != nil {
		return RigidResult{}, err
	}
	if err := checkPair(moving, target); err != nil {
		return RigidResult{}, err
	}
	r := newRun(ModeRigid, cfg.MaxIterations, opts)
	result := RigidResult{RunID: r.id, Transform: IdentityTransform()}
	fail := func(err error) (RigidResult, error) {
		result.Elapsed = r.complete(result.Iterations, false, err)
		return result, err
	}

	targetIdx, err := BuildIndex(target.Features)
	if err != nil {
		return fail(fmt.Errorf("indexing target: %w", err))
	}
	original := moving.Features.Clone()

	for i := 0; i < cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("rigid registration stopped at iteration %d: %w", i, err))
		}
		movingIdx, err := BuildIndex(moving.Features)
		if err != nil {
			return fail(fmt.Errorf("indexing moving: %w", err))
		}
		corr, err := Correspond(movingIdx, targetIdx, moving.Flags, target.Flags, cfg.Correspondence)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		w, err := EstimateInliers(moving.Features, corr.Features, corr.Flags, cfg.Inlier, r.logger)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		inc, err := SolveRigidTransform(moving.Features, corr.Features, w, cfg.UseScaling)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}

		result.Transform = Compose(inc, result.Transform)
		if err := moving.Features.CopyFrom(TransformFeatures(original, result.Transform)); err != nil {
			return fail(err)
		}
		result.Iterations = i + 1
		result.MeanInlierWeight = w.Mean()
		r.iteration(IterationEvent{
			Iteration:            i + 1,
			MeanInlierWeight:     result.MeanInlierWeight,
			ValidCorrespondences: corr.Flags.Count(),
			StepSize:             incrementSize(inc),
		})

		if inc.IsNearIdentity(cfg.ConvergenceTolerance) {
			result.Converged = true
			break
		}
	}

	result.Elapsed = r.complete(result.Iterations, result.Converged, nil)
	return result, nil
}

// smoothingGraphFor builds the fixed smoothing graph over the initial moving
// features, capping k below the vertex count.
func smoothingGraphFor(moving *Mesh, k int, sigma float64, logger *slog.Logger) (*SmoothingGraph, error) {
	n := moving.Len()
	if k >= n {
		logger.Debug("capping smoothing neighbours", slog.Int("requested", k), slog.Int("used", n-1))
		k = n - 1
	}
	idx, err := BuildIndex(moving.Features)
	if err != nil {
		return nil, fmt.Errorf("indexing moving: %w", err)
	}
	return BuildSmoothingGraph(idx, k, sigma, moving.Flags)
}

func displacementFrom(initial, final *PointSet) DisplacementField {
	d := make(DisplacementField, final.Len())
	for i := range d {
		d[i] = final.Position(i).Sub(initial.Position(i))
	}
	return d
}

// RegisterNonRigid deforms moving toward target with the viscoelastic
// transformer. The smoothing graph is built once from the initial moving
// features. Each iteration pulls every vertex toward its correspondence,
// regularizes the pull and applies the resulting displacement, recomputing
// normals from the faces when the mesh has any.
func RegisterNonRigid(ctx context.Context, moving, target *Mesh, cfg NonRigidConfig, opts ...Option) (NonRigidResult, error) {
	if err := cfg.Validate(); err != nil {
		return NonRigidResult{}, err
	}
	if err := checkPair(moving, target); err != nil {
		return NonRigidResult{}, err
	}
	r := newRun(ModeNonRigid, cfg.Iterations, opts)
	result := NonRigidResult{RunID: r.id}
	fail := func(err error) (NonRigidResult, error) {
		result.Elapsed = r.complete(result.Iterations, false, err)
		return result, err
	}

	initial := moving.Features.Clone()
	graph, err := smoothingGraphFor(moving, cfg.SmoothK, cfg.SmoothSigma, r.logger)
	if err != nil {
		return fail(err)
	}
	veCfg := cfg.ViscoElastic
	veCfg.Updates = cfg.Iterations
	ve, err := NewViscoElasticTransformer(veCfg, graph)
	if err != nil {
		return fail(err)
	}
	targetIdx, err := BuildIndex(target.Features)
	if err != nil {
		return fail(fmt.Errorf("indexing target: %w", err))
	}
	movingIdx, err := BuildIndex(moving.Features)
	if err != nil {
		return fail(fmt.Errorf("indexing moving: %w", err))
	}

	n := moving.Len()
	raw := make(DisplacementField, n)
	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("nonrigid registration stopped at iteration %d: %w", i, err))
		}
		corr, err := Correspond(movingIdx, targetIdx, moving.Flags, target.Flags, cfg.Correspondence)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		w, err := EstimateInliers(moving.Features, corr.Features, corr.Flags, cfg.Inlier, r.logger)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		for j := range raw {
			raw[j] = corr.Features.Position(j).Sub(moving.Features.Position(j))
		}
		delta, err := ve.Update(raw, w)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		if err := moving.ApplyDisplacement(delta); err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		if i < cfg.Iterations-1 {
			if movingIdx, err = BuildIndex(moving.Features); err != nil {
				return fail(fmt.Errorf("indexing moving: %w", err))
			}
		}

		result.Iterations = i + 1
		result.MeanInlierWeight = w.Mean()
		r.iteration(IterationEvent{
			Iteration:            i + 1,
			MeanInlierWeight:     result.MeanInlierWeight,
			ValidCorrespondences: corr.Flags.Count(),
			StepSize:             delta.MaxNorm(),
		})
	}

	result.Displacement = displacementFrom(initial, moving.Features)
	result.Elapsed = r.complete(result.Iterations, true, nil)
	return result, nil
}

// RegisterFastDeform moves every vertex along its own normal toward its
// correspondence. Iteration i of n covers 1/(n-i) of the remaining normal
// distance, so the last iteration closes the gap. Displacements are scaled by
// inlier weight and regularized over the fixed smoothing graph before they
// are applied.
func RegisterFastDeform(ctx context.Context, moving, target *Mesh, cfg FastDeformConfig, opts ...Option) (NonRigidResult, error) {
	if err := cfg.Validate(); err != nil {
		return NonRigidResult{}, err
	}
	if err := checkPair(moving, target); err != nil {
		return NonRigidResult{}, err
	}
	r := newRun(ModeFastDeform, cfg.Iterations, opts)
	result := NonRigidResult{RunID: r.id}
	fail := func(err error) (NonRigidResult, error) {
		result.Elapsed = r.complete(result.Iterations, false, err)
		return result, err
	}

	initial := moving.Features.Clone()
	graph, err := smoothingGraphFor(moving, cfg.SmoothK, cfg.SmoothSigma, r.logger)
	if err != nil {
		return fail(err)
	}
	targetIdx, err := BuildIndex(target.Features)
	if err != nil {
		return fail(fmt.Errorf("indexing target: %w", err))
	}
	movingIdx, err := BuildIndex(moving.Features)
	if err != nil {
		return fail(fmt.Errorf("indexing moving: %w", err))
	}

	n := moving.Len()
	delta := make(DisplacementField, n)
	scratch := make(DisplacementField, n)
	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("fastdeform registration stopped at iteration %d: %w", i, err))
		}
		corr, err := Correspond(movingIdx, targetIdx, moving.Flags, target.Flags, cfg.Correspondence)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		w, err := EstimateInliers(moving.Features, corr.Features, corr.Flags, cfg.Inlier, r.logger)
		if err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}

		stepScale := 1 / float64(cfg.Iterations-i)
		for j := range delta {
			nrm := moving.Features.Normal(j)
			pull := corr.Features.Position(j).Sub(moving.Features.Position(j))
			delta[j] = nrm.Mul(w[j] * stepScale * pull.Dot(nrm))
		}
		regularizeField(graph, delta, scratch, w, cfg.SmoothingSteps)
		if err := moving.ApplyDisplacement(delta); err != nil {
			return fail(fmt.Errorf("iteration %d: %w", i, err))
		}
		if i < cfg.Iterations-1 {
			if movingIdx, err = BuildIndex(moving.Features); err != nil {
				return fail(fmt.Errorf("indexing moving: %w", err))
			}
		}

		result.Iterations = i + 1
		result.MeanInlierWeight = w.Mean()
		r.iteration(IterationEvent{
			Iteration:            i + 1,
			MeanInlierWeight:     result.MeanInlierWeight,
			ValidCorrespondences: corr.Flags.Count(),
			StepSize:             delta.MaxNorm(),
		})
	}

	result.Displacement = displacementFrom(initial, moving.Features)
	result.Elapsed = r.complete(result.Iterations, true, nil)
	return result, nil
}
