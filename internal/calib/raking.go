package calib

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNoConvergence signals that a per-area solve diverged or ran out of
// iterations. Callers substitute an identity adjustment and retry the area
// on a later sweep; NaN-valued output is never returned alongside it.
var ErrNoConvergence = errors.New("calibration did not converge")

// RakeArea solves one area's calibration by Newton-Raphson raking on the
// Lagrange multipliers: find λ such that the weights w(λ) = d ⊙ exp(Xλ)
// reproduce the target totals, total = Xᵀw(λ). Returns the multiplicative
// adjustment g = w ⊘ d, so that d⊙g used as weights hits the targets.
//
// x is the n×k characteristic matrix restricted to fitted columns (already
// premultiplied by the national weights when called from the loop), d the
// baseline weight column, and total the k fitted target values. d must be
// strictly positive; the caller substitutes a tiny epsilon for zeros since
// the adjustment recovery divides by d.
//
// Overflow of exp(Xλ) for ill-scaled characteristics or large λ is an
// expected failure mode: it is caught by the finiteness check and reported
// as ErrNoConvergence rather than allowed to corrupt the weight matrix.
func RakeArea(x mat.Matrix, d, total []float64) ([]float64, error) {
	n, k := x.Dims()
	if n == 0 || k == 0 {
		return nil, ValidationError{Field: "x", Message: "empty characteristic matrix"}
	}
	if len(d) != n {
		return nil, ValidationError{Field: "d", Message: "baseline weight length mismatch", Value: map[string]int{"expected": n, "actual": len(d)}}
	}
	if len(total) != k {
		return nil, ValidationError{Field: "total", Message: "target length mismatch", Value: map[string]int{"expected": k, "actual": len(total)}}
	}

	lam := make([]float64, k)
	w := make([]float64, n)
	copy(w, d) // λ=0 ⇒ w=d

	phi := make([]float64, k)
	phiPrim := mat.NewDense(k, k, nil)

	for iter := 0; iter < rakeMaxIterations; iter++ {
		// Residual against the targets under the current weights.
		sums := weightedSums(x, w)
		for c := 0; c < k; c++ {
			phi[c] = sums[c] - total[c]
		}

		// Weighted Gram matrix Φ′ = Xᵀ diag(w) X.
		for a := 0; a < k; a++ {
			for b := a; b < k; b++ {
				var s float64
				for i := 0; i < n; i++ {
					s += w[i] * x.At(i, a) * x.At(i, b)
				}
				phiPrim.Set(a, b, s)
				phiPrim.Set(b, a, s)
			}
		}

		step, err := pinvSolve(phiPrim, phi, pinvRCond)
		if err != nil {
			return nil, ErrNoConvergence
		}
		for c := 0; c < k; c++ {
			lam[c] -= step[c]
		}

		// w = d ⊙ exp(Xλ)
		for i := 0; i < n; i++ {
			var e float64
			for c := 0; c < k; c++ {
				e += x.At(i, c) * lam[c]
			}
			w[i] = d[i] * math.Exp(e)
		}
		if !allFinite(w) {
			return nil, ErrNoConvergence
		}

		if maxRelResidual(x, w, total) < rakeResidualTolerance {
			break
		}
	}

	g := make([]float64, n)
	for i := 0; i < n; i++ {
		g[i] = w[i] / d[i]
	}
	if !allFinite(g) {
		return nil, ErrNoConvergence
	}
	return g, nil
}

// maxRelResidual returns max_c |Xᵀw − total|_c / |total_c|.
func maxRelResidual(x mat.Matrix, w, total []float64) float64 {
	sums := weightedSums(x, w)
	worst := 0.0
	for c := range total {
		r := math.Abs(sums[c]-total[c]) / math.Abs(total[c])
		if r > worst {
			worst = r
		}
	}
	return worst
}
