package calib

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ProblemOptions tunes the synthetic problem generator.
type ProblemOptions struct {
	// XSD is the relative noise on characteristic values.
	XSD float64
	// SSD is the relative noise on the per-area weight split.
	SSD float64
	// PctZero is the fraction of characteristic cells forced to zero,
	// which makes the problem harder to fit exactly.
	PctZero float64
}

// DefaultProblemOptions returns the generator noise levels used by the
// benchmark problems.
func DefaultProblemOptions() ProblemOptions {
	return ProblemOptions{XSD: 0.02, SSD: 0.02}
}

// RandomProblem builds a synthetic calibration problem with n records, m
// areas and k characteristics. The targets are computed from a known
// per-area weight split, so an exact solution always exists (before any
// cells are zeroed) and the calibrated fit can be judged against it.
func RandomProblem(n, m, k int, seed int64, opts ProblemOptions) *Problem {
	rng := rand.New(rand.NewSource(seed))

	clipNoise := func(sd float64) float64 {
		r := rng.NormFloat64() * sd
		if r < -0.9 {
			r = -0.9
		}
		return r
	}

	// Characteristic values scatter around per-column means 100, 120, ...
	x := mat.NewDense(n, k, nil)
	for c := 0; c < k; c++ {
		mean := 100 + 20*float64(c)
		for i := 0; i < n; i++ {
			x.Set(i, c, mean*(1+clipNoise(opts.XSD)))
		}
	}
	if opts.PctZero > 0 {
		for i := 0; i < n; i++ {
			for c := 0; c < k; c++ {
				if rng.Float64() < opts.PctZero {
					x.Set(i, c, 0)
				}
			}
		}
	}

	// Known per-area weights, roughly equal across areas.
	whs := mat.NewDense(n, m, nil)
	wh := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			w := 10 + 10*(1+clipNoise(opts.SSD))
			whs.Set(i, j, w)
			wh[i] += w
		}
	}

	// targets = whsᵀ · x
	targets := mat.NewDense(m, k, nil)
	targets.Mul(whs.T(), x)

	return &Problem{
		Weights:         wh,
		Characteristics: x,
		Targets:         targets,
	}
}
