package mesh

import (
	"fmt"
	"math"
)

const (
	// minSqDist floors squared distances so coincident points do not divide by zero.
	minSqDist = 1e-6
	// minAffinity floors every edge weight so no row can normalize to zero.
	minAffinity = 1e-4
	// hopFlagThreshold is the cut applied to the two directional flag hops.
	hopFlagThreshold = 0.5
)

// CorrespondenceConfig controls the KNN correspondence search.
type CorrespondenceConfig struct {
	K                int     `yaml:"k" json:"k"`                               // Neighbours per query row in each direction
	FlagThreshold    float64 `yaml:"flagThreshold" json:"flagThreshold"`       // Final cut on propagated flags, in [0,1]
	EqualizePushPull bool    `yaml:"equalizePushPull" json:"equalizePushPull"` // Merge normalized rather than raw directional matrices
	Symmetric        bool    `yaml:"symmetric" json:"symmetric"`               // Merge target->query search into the result
}

// DefaultCorrespondenceConfig returns the standard symmetric 3-NN search.
func DefaultCorrespondenceConfig() CorrespondenceConfig {
	return CorrespondenceConfig{
		K:                3,
		FlagThreshold:    0.9,
		EqualizePushPull: false,
		Symmetric:        true,
	}
}

// Validate checks ranges that do not depend on the point count.
func (c CorrespondenceConfig) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("correspondence k=%d: %w", c.K, ErrInvalidK)
	}
	if c.FlagThreshold < 0 || c.FlagThreshold > 1 || math.IsNaN(c.FlagThreshold) {
		return fmt.Errorf("correspondence flag threshold %v: %w", c.FlagThreshold, ErrInvalidThreshold)
	}
	return nil
}

// Correspondence is the outcome of one correspondence search.
type Correspondence struct {
	Affinity *AffinityMatrix // Row-normalized, query rows x target rows
	Flags    FlagVector      // Per query row; 1 where the match relies only on valid points
	Features *PointSet       // Affinity applied to the target features
}

// ComputeAffinity builds the directional KNN affinity from every query row to
// its k nearest target rows. Each edge weighs 1/max(d², 1e-6); when both sets
// carry normals the weight is scaled by the orientation agreement
// 0.5 + n_q·n_t/2. Edges are floored at 1e-4.
func ComputeAffinity(query *PointSet, target *SpatialIndex, k int, normalize bool) (*AffinityMatrix, error) {
	if query == nil || query.Len() == 0 {
		return nil, ErrEmptyPointSet
	}
	if query.Dims() != target.Dims() {
		return nil, fmt.Errorf("query has %d dims, target index %d: %w", query.Dims(), target.Dims(), ErrDimensionMismatch)
	}
	if k < 1 || k >= target.Len() {
		return nil, fmt.Errorf("k=%d with %d target points: %w", k, target.Len(), ErrInvalidK)
	}

	tdata := target.Data()
	oriented := query.HasNormals()
	b := NewAffinityBuilder(query.Len(), target.Len())
	err := parallelRows(query.Len(), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			rows, sqd, err := target.KNearest(query.Row(i), k)
			if err != nil {
				return fmt.Errorf("query row %d: %w", i, err)
			}
			n := query.Normal(i)
			for m, j := range rows {
				w := 1 / math.Max(sqd[m], minSqDist)
				if oriented {
					w *= 0.5 + n.Dot(tdata.Normal(j))/2
				}
				b.Add(i, j, math.Max(w, minAffinity))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a := b.Build()
	if normalize {
		a = a.NormalizeRows()
	}
	return a, nil
}

// CalcFlags propagates flags through a row-normalized affinity and cuts the
// result at threshold: row i is set when (A·flags)[i] > threshold.
func CalcFlags(a *AffinityMatrix, flags FlagVector, threshold float64) (FlagVector, error) {
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("flag threshold %v: %w", threshold, ErrInvalidThreshold)
	}
	p, err := a.MulVec(flags)
	if err != nil {
		return nil, err
	}
	out := make(FlagVector, len(p))
	for i, v := range p {
		if v > threshold {
			out[i] = 1
		}
	}
	return out, nil
}

// SymmetricCorrespond searches query->target and target->query, masks both
// directions by the validity flags of the opposite surface and merges them
// into one row-normalized query x target affinity. Nil flag vectors mean
// every row is valid.
func SymmetricCorrespond(queryIdx, targetIdx *SpatialIndex, queryFlags, targetFlags FlagVector, cfg CorrespondenceConfig) (*Correspondence, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	qf, err := queryFlags.orOnes(queryIdx.Len())
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	tf, err := targetFlags.orOnes(targetIdx.Len())
	if err != nil {
		return nil, fmt.Errorf("target flags: %w", err)
	}

	// A pushes query rows onto the target, B pulls target rows onto the query.
	a, err := ComputeAffinity(queryIdx.Data(), targetIdx, cfg.K, false)
	if err != nil {
		return nil, fmt.Errorf("query to target affinity: %w", err)
	}
	b, err := ComputeAffinity(targetIdx.Data(), queryIdx, cfg.K, false)
	if err != nil {
		return nil, fmt.Errorf("target to query affinity: %w", err)
	}
	aNorm := a.NormalizeRows()
	bNorm := b.NormalizeRows()

	flags, err := CalcFlags(aNorm, tf, hopFlagThreshold)
	if err != nil {
		return nil, err
	}
	for i := range flags {
		flags[i] *= qf[i]
	}
	flags, err = CalcFlags(bNorm, flags, hopFlagThreshold)
	if err != nil {
		return nil, err
	}

	if cfg.EqualizePushPull {
		a, b = aNorm, bNorm
	}
	merged, err := a.Add(b.Transpose())
	if err != nil {
		return nil, err
	}
	merged = merged.NormalizeRows()

	cflags, err := CalcFlags(merged, flags, cfg.FlagThreshold)
	if err != nil {
		return nil, err
	}
	feats, err := merged.MulPointSet(targetIdx.Data())
	if err != nil {
		return nil, err
	}
	return &Correspondence{Affinity: merged, Flags: cflags, Features: feats}, nil
}

// NonSymmetricCorrespond runs the query->target search only. The returned
// flags are all set.
func NonSymmetricCorrespond(query *PointSet, targetIdx *SpatialIndex, k int) (*Correspondence, error) {
	a, err := ComputeAffinity(query, targetIdx, k, true)
	if err != nil {
		return nil, err
	}
	feats, err := a.MulPointSet(targetIdx.Data())
	if err != nil {
		return nil, err
	}
	return &Correspondence{Affinity: a, Flags: Ones(query.Len()), Features: feats}, nil
}

// Correspond dispatches on cfg.Symmetric.
func Correspond(queryIdx, targetIdx *SpatialIndex, queryFlags, targetFlags FlagVector, cfg CorrespondenceConfig) (*Correspondence, error) {
	if cfg.Symmetric {
		return SymmetricCorrespond(queryIdx, targetIdx, queryFlags, targetFlags, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := NonSymmetricCorrespond(queryIdx.Data(), targetIdx, cfg.K)
	if err != nil {
		return nil, err
	}
	if queryFlags != nil {
		qf, err := queryFlags.orOnes(queryIdx.Len())
		if err != nil {
			return nil, fmt.Errorf("query flags: %w", err)
		}
		for i := range c.Flags {
			c.Flags[i] *= qf[i]
		}
	}
	return c, nil
}
