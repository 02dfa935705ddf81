package mesh

import (
	"fmt"
	"math"
)

// smoothEps keeps every smoothing weight strictly positive.
const smoothEps = 1e-5

// SmoothingGraph is a fixed K-nearest-neighbour graph over the moving
// vertices with row-normalized Gaussian edge weights. Each vertex is its own
// first neighbour.
type SmoothingGraph struct {
	n, k    int
	nbrs    []int
	sqDists []float64
	weights []float64
}

// BuildSmoothingGraph links every indexed row to its k nearest rows and
// weighs each edge by (1-ε)·flag_j·exp(-d²/2σ²) + ε before normalizing the
// row. A nil flags vector treats every neighbour as valid.
func BuildSmoothingGraph(index *SpatialIndex, k int, sigma float64, flags FlagVector) (*SmoothingGraph, error) {
	if sigma <= 0 || math.IsNaN(sigma) {
		return nil, fmt.Errorf("smoothing sigma %v must be positive: %w", sigma, ErrInvalidConfig)
	}
	n := index.Len()
	if k < 1 || k >= n {
		return nil, fmt.Errorf("smoothing k=%d with %d points: %w", k, n, ErrInvalidK)
	}
	flags, err := flags.orOnes(n)
	if err != nil {
		return nil, fmt.Errorf("smoothing flags: %w", err)
	}

	g := &SmoothingGraph{
		n:       n,
		k:       k,
		nbrs:    make([]int, n*k),
		sqDists: make([]float64, n*k),
		weights: make([]float64, n*k),
	}
	expFactor := -0.5 / (sigma * sigma)
	data := index.Data()
	err = parallelRows(n, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			rows, sqd, err := index.KNearest(data.Row(i), k)
			if err != nil {
				return fmt.Errorf("smoothing row %d: %w", i, err)
			}
			base := i * k
			var wsum float64
			for m, j := range rows {
				w := (1-smoothEps)*(flags[j]*math.Exp(sqd[m]*expFactor)) + smoothEps
				g.nbrs[base+m] = j
				g.sqDists[base+m] = sqd[m]
				g.weights[base+m] = w
				wsum += w
			}
			for m := 0; m < k; m++ {
				g.weights[base+m] /= wsum
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Len returns the number of vertices.
func (g *SmoothingGraph) Len() int { return g.n }

// K returns the neighbours per vertex.
func (g *SmoothingGraph) K() int { return g.k }

// Neighbours returns the neighbour rows of vertex i.
func (g *SmoothingGraph) Neighbours(i int) []int { return g.nbrs[i*g.k : (i+1)*g.k] }

// Weights returns the normalized edge weights of vertex i.
func (g *SmoothingGraph) Weights(i int) []float64 { return g.weights[i*g.k : (i+1)*g.k] }

// SqDists returns the squared edge lengths of vertex i at build time.
func (g *SmoothingGraph) SqDists(i int) []float64 { return g.sqDists[i*g.k : (i+1)*g.k] }
