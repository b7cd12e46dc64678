package calib

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// ConvexOptions configures the convex per-area calibration.
type ConvexOptions struct {
	// Objective is MethodEntropy or MethodQuadratic.
	Objective Method
	// Increment is the initial relaxation strength applied when the exact
	// solve is infeasible. It doubles on each failed round, trading target
	// fidelity for a guaranteed finite result.
	Increment float64
	// MaxIterations caps the inner optimizer. Zero selects a default.
	MaxIterations int
	// Logger receives relaxation progress. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// ConvexCalibrate is the robust alternative to RakeArea. It reformulates
// the area problem in mean space (targets divided by the total baseline
// weight), solves for mean-producing weights under an entropy or quadratic
// objective, and rescales the solution to a multiplicative adjustment
// g = (mean weights · Σd) ⊘ d.
//
// Unlike raking it always terminates: when the targets are infeasible the
// solve is progressively relaxed by a ridge term starting at Increment, so
// the returned adjustment lands on the closest attainable point within a
// thickened tolerance band instead of diverging. The solver is still
// treated as untrusted and its output passes the same finiteness check as
// the Newton-Raphson path.
func ConvexCalibrate(ctx context.Context, x mat.Matrix, d, total []float64, opts ConvexOptions) ([]float64, error) {
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
	if !opts.Objective.IsConvex() {
		return nil, ValidationError{Field: "objective", Message: "objective must be entropy or quadratic", Value: opts.Objective.String()}
	}

	// Zero baseline weights would make the rescale to sum space divide by
	// zero; substitute the smallest positive float, as with raking.
	base := make([]float64, n)
	pop := 0.0
	for i, v := range d {
		if v == 0 {
			v = smallPositive
		}
		base[i] = v
		pop += v
	}

	// Mean-space targets.
	tmean := make([]float64, k)
	for c := range total {
		tmean[c] = total[c] / pop
	}

	increment := opts.Increment
	if increment <= 0 {
		increment = DefaultIncrement
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mu := 0.0 // first round attempts the exact solve
	var lastErr error
	for round := 0; round <= maxRelaxationRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("convex calibration cancelled: %w", err)
		}

		var (
			mpw []float64
			err error
		)
		switch opts.Objective {
		case MethodQuadratic:
			mpw, err = solveQuadraticDual(x, base, tmean, pop, mu)
		default:
			mpw, err = solveEntropyDual(x, base, tmean, pop, mu, opts.MaxIterations)
		}
		if err == nil && allFinite(mpw) {
			if round > 0 {
				logger.DebugContext(ctx, "convex calibration relaxed",
					"objective", opts.Objective.String(),
					"rounds", round,
					"ridge", mu,
				)
			}
			// Rescale mean-producing weights to a multiplicative factor.
			// Entropy adjustments are strictly positive by construction, but
			// the rescale of an already-subnormal weight can round to zero;
			// clamp to keep the contract.
			g := make([]float64, n)
			for i := range mpw {
				g[i] = mpw[i] * pop / base[i]
				if opts.Objective == MethodEntropy && g[i] <= 0 {
					g[i] = smallPositive
				}
			}
			if !allFinite(g) {
				return nil, ErrNoConvergence
			}
			return g, nil
		}
		if err != nil {
			lastErr = err
		}

		if mu == 0 {
			mu = increment
		} else {
			mu *= 2
		}
	}

	logger.WarnContext(ctx, "convex calibration exhausted relaxation rounds",
		"objective", opts.Objective.String(),
		"final_ridge", mu,
		"error", lastErr,
	)
	return nil, ErrNoConvergence
}

// solveEntropyDual minimizes the entropy dual
//
//	f(λ) = log Σ_i d_i·exp(x_i·λ) − λ·t̄ + μ‖λ‖²/2
//
// whose stationary point makes the normalized weights p(λ) reproduce the
// target means. The log-sum-exp form keeps the objective finite even where
// a direct exp(Xλ) would overflow; infeasible targets surface as optimizer
// failure and are handled by the caller's relaxation ladder.
func solveEntropyDual(x mat.Matrix, d, tmean []float64, pop float64, mu float64, maxIter int) ([]float64, error) {
	n, k := x.Dims()
	if maxIter <= 0 {
		maxIter = 500
	}

	// Baseline mean weights.
	dm := make([]float64, n)
	for i := range d {
		dm[i] = d[i] / pop
	}

	exponents := make([]float64, n)
	weights := make([]float64, n)

	evalWeights := func(lam []float64) float64 {
		mx := math.Inf(-1)
		for i := 0; i < n; i++ {
			var e float64
			for c := 0; c < k; c++ {
				e += x.At(i, c) * lam[c]
			}
			exponents[i] = e
			if e > mx {
				mx = e
			}
		}
		var z float64
		for i := 0; i < n; i++ {
			weights[i] = dm[i] * math.Exp(exponents[i]-mx)
			z += weights[i]
		}
		for i := 0; i < n; i++ {
			weights[i] /= z
		}
		return mx + math.Log(z)
	}

	problem := optimize.Problem{
		Func: func(lam []float64) float64 {
			logZ := evalWeights(lam)
			f := logZ
			for c := 0; c < k; c++ {
				f -= lam[c] * tmean[c]
				f += 0.5 * mu * lam[c] * lam[c]
			}
			return f
		},
		Grad: func(grad, lam []float64) {
			evalWeights(lam)
			moments := weightedSums(x, weights)
			for c := 0; c < k; c++ {
				grad[c] = moments[c] - tmean[c] + mu*lam[c]
			}
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: 1e-10,
		MajorIterations:   maxIter,
	}

	result, err := optimize.Minimize(problem, make([]float64, k), settings, &optimize.LBFGS{})
	if err != nil {
		return nil, fmt.Errorf("entropy dual: %w", err)
	}
	if !allFinite(result.X) || math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return nil, ErrNoConvergence
	}

	// Iteration-limit exits still return a point; accept only a true
	// stationary point, otherwise infeasible targets would silently pass
	// with whatever weights the optimizer stopped at.
	grad := make([]float64, k)
	problem.Grad(grad, result.X)
	for c := 0; c < k; c++ {
		if math.Abs(grad[c]) > 1e-8 {
			return nil, ErrNoConvergence
		}
	}

	evalWeights(result.X)
	out := make([]float64, n)
	for i, wv := range weights {
		// exp underflows to exactly zero for records far below the max
		// exponent once the relaxation ridge pulls λ out; the entropy
		// solution is strictly positive, so clamp instead of passing a
		// zero weight through.
		if wv <= 0 {
			wv = smallPositive
		}
		out[i] = wv
	}
	return out, nil
}

// solveQuadraticDual performs the linear (GREG-style) calibration: mean
// weights w = d̄ ⊙ (1 + X̃λ) with X̃ the characteristics augmented by an
// intercept column enforcing Σw = 1, and λ solving the normal equations
// (X̃ᵀ diag(d̄) X̃ + μI) λ = t̃ − X̃ᵀ d̄ via the pseudo-inverse. Quadratic
// weights can reach zero or go negative near infeasibility.
func solveQuadraticDual(x mat.Matrix, d, tmean []float64, pop float64, mu float64) ([]float64, error) {
	n, k := x.Dims()
	ka := k + 1

	dm := make([]float64, n)
	for i := range d {
		dm[i] = d[i] / pop
	}

	aug := func(i, c int) float64 {
		if c == 0 {
			return 1
		}
		return x.At(i, c-1)
	}

	// Normal equations over the augmented design.
	gram := mat.NewDense(ka, ka, nil)
	for a := 0; a < ka; a++ {
		for b := a; b < ka; b++ {
			var s float64
			for i := 0; i < n; i++ {
				s += dm[i] * aug(i, a) * aug(i, b)
			}
			if a == b {
				s += mu
			}
			gram.Set(a, b, s)
			gram.Set(b, a, s)
		}
	}

	rhs := make([]float64, ka)
	rhs[0] = 1
	copy(rhs[1:], tmean)
	for a := 0; a < ka; a++ {
		var s float64
		for i := 0; i < n; i++ {
			s += dm[i] * aug(i, a)
		}
		rhs[a] -= s
	}

	lam, err := pinvSolve(gram, rhs, pinvRCond)
	if err != nil {
		return nil, fmt.Errorf("quadratic dual: %w", err)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var adj float64
		for a := 0; a < ka; a++ {
			adj += aug(i, a) * lam[a]
		}
		out[i] = dm[i] * (1 + adj)
	}
	if !allFinite(out) {
		return nil, ErrNoConvergence
	}
	return out, nil
}
