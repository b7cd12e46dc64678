package calib

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Method selects the per-area calibration strategy.
type Method int

const (
	// MethodRaking is Newton-Raphson raking on Lagrange multipliers.
	MethodRaking Method = iota
	// MethodEntropy is the convex fallback with an entropy objective
	// (adjustments stay strictly positive).
	MethodEntropy
	// MethodQuadratic is the convex fallback with a quadratic objective
	// (adjustments may reach zero or go negative near infeasibility).
	MethodQuadratic
)

// String returns the string representation of the method.
func (m Method) String() string {
	switch m {
	case MethodRaking:
		return "raking"
	case MethodEntropy:
		return "entropy"
	case MethodQuadratic:
		return "quadratic"
	default:
		return "unknown"
	}
}

// IsConvex reports whether the method delegates to the convex solver.
func (m Method) IsConvex() bool {
	return m == MethodEntropy || m == MethodQuadratic
}

// ParseMethod converts a string method name to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raking":
		return MethodRaking, nil
	case "entropy":
		return MethodEntropy, nil
	case "quadratic":
		return MethodQuadratic, nil
	default:
		return MethodRaking, fmt.Errorf("unknown calibration method %q (use raking, entropy, or quadratic)", s)
	}
}

// Problem bundles the immutable inputs of a calibration run: each of n
// records carries a national weight and k characteristic values, and each
// of m areas carries k target totals. The optional mask marks target cells
// that must be fitted; a nil mask fits every cell.
type Problem struct {
	// Weights is the length-n national weight vector (wh).
	Weights []float64
	// Characteristics is the n×k per-record characteristic matrix (xmat).
	Characteristics *mat.Dense
	// Targets is the m×k matrix of desired weighted sums per area.
	Targets *mat.Dense
	// Mask marks authoritative target cells. Nil means all cells are fitted.
	Mask *Mask
}

// Dims returns the problem dimensions (records, areas, characteristics).
func (p *Problem) Dims() (n, m, k int) {
	n = len(p.Weights)
	if p.Targets != nil {
		m, k = p.Targets.Dims()
	}
	return n, m, k
}

// CalibrationConfig controls the outer calibration loop.
type CalibrationConfig struct {
	// Method selects the per-area calibration strategy.
	Method Method `json:"method"`
	// MaxIterations caps the number of outer sweeps. Zero selects the
	// per-method default (200 for raking, 50 for the convex methods).
	MaxIterations int `json:"max_iterations"`
	// WeightTolerance is the largest acceptable |rowSum(Q)-1| at convergence.
	WeightTolerance float64 `json:"weight_tolerance"`
	// TargetPctTolerance is the largest acceptable absolute percent
	// deviation from any fitted target at convergence.
	TargetPctTolerance float64 `json:"target_pct_tolerance"`
	// Increment bounds how far the convex solver may relax infeasible
	// targets. Ignored for raking.
	Increment float64 `json:"increment"`
	// Parallel calibrates areas concurrently within a sweep. Each area then
	// sees the matrix as it stood at the start of the sweep (Jacobi update)
	// instead of observing earlier areas' adjustments (Gauss-Seidel), which
	// changes the convergence path and may need more sweeps.
	Parallel bool `json:"parallel"`
}

// DefaultCalibrationConfig returns the standard loop configuration.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		Method:             MethodRaking,
		WeightTolerance:    DefaultWeightTolerance,
		TargetPctTolerance: DefaultTargetPctTolerance,
		Increment:          DefaultIncrement,
	}
}

// IsValid checks if the configuration is usable.
func (c CalibrationConfig) IsValid() bool {
	return c.WeightTolerance > 0 && c.TargetPctTolerance > 0 &&
		c.MaxIterations >= 0 && c.Increment >= 0 &&
		c.Method >= MethodRaking && c.Method <= MethodQuadratic
}

// maxIterations resolves the effective sweep cap.
func (c CalibrationConfig) maxIterations() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	if c.Method.IsConvex() {
		return DefaultConvexIterations
	}
	return DefaultRakingIterations
}

// PercentileStats summarizes the distribution of absolute percent
// deviations between achieved and desired targets.
type PercentileStats struct {
	Max    float64 `json:"max"`
	P99    float64 `json:"p99"`
	P95    float64 `json:"p95"`
	Median float64 `json:"median"`
}

// SweepStats records the convergence metrics of one outer sweep.
type SweepStats struct {
	Iteration           int     `json:"iteration"`
	MaxWeightAbsDiff    float64 `json:"max_weight_absdiff"`
	MaxTargetAbsPctDiff float64 `json:"max_target_abspctdiff"`
	P95TargetAbsPctDiff float64 `json:"p95_target_abspctdiff"`
	// IdentityAreas counts areas whose adjustment diverged this sweep and
	// was replaced by the identity, deferring them to a later sweep.
	IdentityAreas int `json:"identity_areas"`
	// RowSumDivergence is set when a row-sum deviation was infinite and the
	// weight metric had to be clamped.
	RowSumDivergence bool `json:"row_sum_divergence"`
}

// Diagnostics carries the summary statistics of a completed run. The
// stopping rule depends on MaxWeightAbsDiff and MaxTargetAbsPctDiff; the
// percentile stats exist to judge fit quality when targets are infeasible.
type Diagnostics struct {
	// MaxWeightAbsDiff is the largest |rowSum(Q)-1| after the final
	// renormalization.
	MaxWeightAbsDiff float64 `json:"max_weight_absdiff"`
	// MaxTargetAbsPctDiff is the largest absolute percent target deviation
	// over fitted (non-masked) cells.
	MaxTargetAbsPctDiff float64 `json:"max_target_abspctdiff"`
	// Fitted summarizes deviations over fitted cells only.
	Fitted PercentileStats `json:"fitted"`
	// All summarizes deviations over every cell, dropped ones included.
	All PercentileStats `json:"all"`
	// TargetsPossible, TargetsDropped and TargetsUsed describe the mask.
	TargetsPossible int `json:"targets_possible"`
	TargetsDropped  int `json:"targets_dropped"`
	TargetsUsed     int `json:"targets_used"`
	// IdentitySubstitutions counts per-area divergences recovered by the
	// identity adjustment across all sweeps.
	IdentitySubstitutions int `json:"identity_substitutions"`
	// RowSumDivergences counts sweeps whose weight metric was clamped.
	RowSumDivergences int `json:"row_sum_divergences"`
	// Sweeps holds the per-sweep convergence history.
	Sweeps []SweepStats `json:"sweeps,omitempty"`
	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration `json:"elapsed"`
}

// Result is the outcome of a calibration run. QFinal is always usable: on
// non-convergence it holds the best-effort weight shares reached when the
// iteration cap was hit.
type Result struct {
	// QFinal is the n×m weight-share matrix after the final sweep. Every
	// row sums to 1 up to floating-point rounding.
	QFinal *mat.Dense `json:"-"`
	// Converged reports whether both tolerances were met within the cap.
	Converged bool `json:"converged"`
	// Iterations is the number of completed outer sweeps.
	Iterations  int         `json:"iterations"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// AreaWeights returns the n×m matrix of area weights Q⊙wh (weight shares
// scaled back to the national weight of each record).
func (r *Result) AreaWeights(wh []float64) *mat.Dense {
	n, m := r.QFinal.Dims()
	out := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			out.Set(i, j, r.QFinal.At(i, j)*wh[i])
		}
	}
	return out
}

// ValidationError reports a structurally invalid input.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// Tolerances and iteration caps shared by the engine.
const (
	// DefaultWeightTolerance bounds |rowSum(Q)-1| at convergence.
	DefaultWeightTolerance = 0.0005
	// DefaultTargetPctTolerance bounds the max absolute percent target
	// deviation at convergence, in percent.
	DefaultTargetPctTolerance = 0.1
	// DefaultRakingIterations caps outer sweeps for the raking method.
	DefaultRakingIterations = 200
	// DefaultConvexIterations caps outer sweeps for the convex methods.
	DefaultConvexIterations = 50
	// DefaultIncrement is the convex solver's relaxation step.
	DefaultIncrement = 0.001

	// rakeMaxIterations caps the Newton-Raphson inner loop per area.
	rakeMaxIterations = 10
	// rakeResidualTolerance stops the inner loop early once every target is
	// matched to this relative precision.
	rakeResidualTolerance = 1e-8
	// pinvRCond zeroes singular values below this fraction of the largest
	// when pseudo-inverting the weighted Gram matrix.
	pinvRCond = 1e-15
	// maxRelaxationRounds caps how often the convex solver may double its
	// relaxation before giving up.
	maxRelaxationRounds = 6
)

// smallPositive replaces zero weights before a solve, since raking divides
// by the baseline weight to recover the adjustment factor.
var smallPositive = math.Nextafter(0, 1)
