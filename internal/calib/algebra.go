package calib

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// pinvSolve computes pinv(a)·b through the thin SVD of a, zeroing singular
// values below rcond times the largest. This keeps the Newton step finite
// when the weighted Gram matrix is rank deficient, e.g. for collinear
// characteristics.
func pinvSolve(a *mat.Dense, b []float64, rcond float64) ([]float64, error) {
	ar, ac := a.Dims()
	if len(b) != ar {
		return nil, errors.New("pinvSolve: dimension mismatch")
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("pinvSolve: SVD factorization failed")
	}

	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 0.0
	if len(values) > 0 {
		cutoff = rcond * values[0]
	}

	// x = V · diag(1/σ) · Uᵀ · b, truncated at the rank cutoff.
	p := len(values)
	ub := make([]float64, p)
	for c := 0; c < p; c++ {
		var s float64
		for r := 0; r < ar; r++ {
			s += u.At(r, c) * b[r]
		}
		if values[c] > cutoff {
			ub[c] = s / values[c]
		}
	}

	x := make([]float64, ac)
	for r := 0; r < ac; r++ {
		var s float64
		for c := 0; c < p; c++ {
			s += v.At(r, c) * ub[c]
		}
		x[r] = s
	}
	return x, nil
}

// allFinite reports whether every entry of v is a normal number.
func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// weightedSums computes colᵀ = Σ_i w_i · x_i for an n×k matrix.
func weightedSums(x mat.Matrix, w []float64) []float64 {
	n, k := x.Dims()
	out := make([]float64, k)
	for i := 0; i < n; i++ {
		wi := w[i]
		if wi == 0 {
			continue
		}
		for c := 0; c < k; c++ {
			out[c] += wi * x.At(i, c)
		}
	}
	return out
}
