package mesh

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ViscoElasticConfig holds the annealing schedule of the displacement
// regularizer. Smoothing pass counts are interpolated geometrically from
// Start to End over Updates calls.
type ViscoElasticConfig struct {
	ViscousStart          int     `yaml:"viscousStart" json:"viscousStart"`                   // Increment smoothing passes on the first update
	ViscousEnd            int     `yaml:"viscousEnd" json:"viscousEnd"`                       // Increment smoothing passes on the last update
	ElasticStart          int     `yaml:"elasticStart" json:"elasticStart"`                   // Cumulative smoothing passes on the first update
	ElasticEnd            int     `yaml:"elasticEnd" json:"elasticEnd"`                       // Cumulative smoothing passes on the last update
	Updates               int     `yaml:"updates" json:"updates"`                             // Length of the annealing schedule
	OutlierThreshold      float64 `yaml:"outlierThreshold" json:"outlierThreshold"`           // Vertices with inlier weight below this are diffused
	OutlierDiffusionSteps int     `yaml:"outlierDiffusionSteps" json:"outlierDiffusionSteps"` // Diffusion passes per update
}

// DefaultViscoElasticConfig anneals both stages from 100 passes down to 1
// over 200 updates.
func DefaultViscoElasticConfig() ViscoElasticConfig {
	return ViscoElasticConfig{
		ViscousStart:          100,
		ViscousEnd:            1,
		ElasticStart:          100,
		ElasticEnd:            1,
		Updates:               200,
		OutlierThreshold:      0.8,
		OutlierDiffusionSteps: 15,
	}
}

// Validate checks the schedule.
func (c ViscoElasticConfig) Validate() error {
	if c.ViscousStart < 0 || c.ViscousEnd < 0 || c.ElasticStart < 0 || c.ElasticEnd < 0 {
		return fmt.Errorf("negative smoothing pass count: %w", ErrInvalidConfig)
	}
	if c.Updates < 1 {
		return fmt.Errorf("viscoelastic updates %d must be at least 1: %w", c.Updates, ErrInvalidConfig)
	}
	if c.OutlierThreshold < 0 || c.OutlierThreshold > 1 {
		return fmt.Errorf("outlier threshold %v: %w", c.OutlierThreshold, ErrInvalidThreshold)
	}
	if c.OutlierDiffusionSteps < 0 {
		return fmt.Errorf("negative outlier diffusion steps: %w", ErrInvalidConfig)
	}
	return nil
}

// annealRate returns r such that start·r^(updates-1) = end.
func annealRate(start, end, updates int) float64 {
	if updates <= 1 || start <= 0 {
		return 1
	}
	return math.Exp(math.Log(float64(end)/float64(start)) / float64(updates-1))
}

// ViscoElasticTransformer accumulates a smooth displacement field over
// successive updates. It owns a two-slot buffer holding the previous and the
// current cumulative field; the slots swap on every update.
type ViscoElasticTransformer struct {
	cfg         ViscoElasticConfig
	graph       *SmoothingGraph
	viscousRate float64
	elasticRate float64

	fields    [2]DisplacementField
	cur       int
	iteration int

	// scratch buffers for double-buffered passes
	inc, tmp DisplacementField
}

// NewViscoElasticTransformer binds a schedule to a smoothing graph.
func NewViscoElasticTransformer(cfg ViscoElasticConfig, graph *SmoothingGraph) (*ViscoElasticTransformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, fmt.Errorf("nil smoothing graph: %w", ErrInvalidConfig)
	}
	return &ViscoElasticTransformer{
		cfg:         cfg,
		graph:       graph,
		viscousRate: annealRate(cfg.ViscousStart, cfg.ViscousEnd, cfg.Updates),
		elasticRate: annealRate(cfg.ElasticStart, cfg.ElasticEnd, cfg.Updates),
	}, nil
}

// Steps returns the viscous and elastic pass counts for update i.
func (t *ViscoElasticTransformer) Steps(i int) (viscous, elastic int) {
	viscous = int(math.Round(float64(t.cfg.ViscousStart) * math.Pow(t.viscousRate, float64(i))))
	elastic = int(math.Round(float64(t.cfg.ElasticStart) * math.Pow(t.elasticRate, float64(i))))
	return viscous, elastic
}

// Iteration returns the number of updates applied since the last reset.
func (t *ViscoElasticTransformer) Iteration() int { return t.iteration }

// Reset clears the cumulative field; the next Update starts from zero.
func (t *ViscoElasticTransformer) Reset() { t.iteration = 0 }

// Field returns a copy of the current cumulative field.
func (t *ViscoElasticTransformer) Field() DisplacementField {
	if t.iteration == 0 {
		return make(DisplacementField, t.graph.Len())
	}
	return append(DisplacementField(nil), t.fields[t.cur]...)
}

// Update folds one raw displacement toward the current correspondences into
// the cumulative field and returns the displacement to apply this iteration:
//
//  1. scale rawDelta by the inlier weights
//  2. smooth that increment for the viscous pass count
//  3. add it to the cumulative field
//  4. smooth the cumulative field for the elastic pass count
//  5. diffuse low-confidence vertices toward their neighbours
//
// The returned delta is the new cumulative field minus the previous one.
func (t *ViscoElasticTransformer) Update(rawDelta DisplacementField, w InlierWeights) (DisplacementField, error) {
	n := t.graph.Len()
	if len(rawDelta) != n || len(w) != n {
		return nil, fmt.Errorf("update with %d deltas and %d weights for %d vertices: %w",
			len(rawDelta), len(w), n, ErrDimensionMismatch)
	}
	if t.iteration == 0 {
		t.fields[0] = make(DisplacementField, n)
		t.fields[1] = make(DisplacementField, n)
		t.inc = make(DisplacementField, n)
		t.tmp = make(DisplacementField, n)
		t.cur = 0
	}
	viscous, elastic := t.Steps(t.iteration)
	prev, next := t.cur, 1-t.cur

	for i, d := range rawDelta {
		t.inc[i] = d.Mul(w[i])
	}
	regularizeField(t.graph, t.inc, t.tmp, w, viscous)

	for i := range t.fields[next] {
		t.fields[next][i] = t.fields[prev][i].Add(t.inc[i])
	}
	regularizeField(t.graph, t.fields[next], t.tmp, w, elastic)
	t.diffuseOutliers(t.fields[next], w)

	out := make(DisplacementField, n)
	for i := range out {
		out[i] = t.fields[next][i].Sub(t.fields[prev][i])
	}
	t.cur = next
	t.iteration++
	return out, nil
}

// regularizeField replaces every vector of field by the weighted average of
// its graph neighbours, steps times, reading one buffer and writing the other.
// Edge weights are rescaled into [ε,1] by the neighbour's inlier weight so
// confident vertices dominate. scratch must have the length of field.
func regularizeField(g *SmoothingGraph, field, scratch DisplacementField, w InlierWeights, steps int) {
	if steps <= 0 || len(field) == 0 {
		return
	}
	src, dst := field, scratch
	for s := 0; s < steps; s++ {
		_ = parallelRows(len(src), func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				nbrs := g.Neighbours(i)
				swts := g.Weights(i)
				var avg mgl64.Vec3
				var wsum float64
				for k, j := range nbrs {
					wt := (1-smoothEps)*(w[j]*swts[k]) + smoothEps
					avg = avg.Add(src[j].Mul(wt))
					wsum += wt
				}
				dst[i] = avg.Mul(1 / wsum)
			}
			return nil
		})
		src, dst = dst, src
	}
	if steps%2 == 1 {
		copy(field, src)
	}
}

// diffuseOutliers blends every vertex whose inlier weight is below the
// threshold toward its neighbours' average with factor 1-weight.
func (t *ViscoElasticTransformer) diffuseOutliers(field DisplacementField, w InlierWeights) {
	var outliers []int
	for i, v := range w {
		if v < t.cfg.OutlierThreshold {
			outliers = append(outliers, i)
		}
	}
	if len(outliers) == 0 {
		return
	}
	snap := t.tmp
	for s := 0; s < t.cfg.OutlierDiffusionSteps; s++ {
		copy(snap, field)
		_ = parallelRows(len(outliers), func(lo, hi int) error {
			for _, l := range outliers[lo:hi] {
				nbrs := t.graph.Neighbours(l)
				swts := t.graph.Weights(l)
				var avg mgl64.Vec3
				var wsum float64
				for k, j := range nbrs {
					avg = avg.Add(snap[j].Mul(swts[k]))
					wsum += swts[k]
				}
				iw := w[l]
				field[l] = snap[l].Mul(iw).Add(avg.Mul((1 - iw) / wsum))
			}
			return nil
		})
	}
}
