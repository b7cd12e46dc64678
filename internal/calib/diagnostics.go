package calib

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// achievedTargets computes the m×k matrix of weighted sums realized by the
// current weight shares: achieved[j][c] = Σ_i q[i][j]·wh[i]·x[i][c].
func achievedTargets(q *mat.Dense, wh []float64, x *mat.Dense) *mat.Dense {
	n, m := q.Dims()
	_, k := x.Dims()
	out := mat.NewDense(m, k, nil)
	for j := 0; j < m; j++ {
		for c := 0; c < k; c++ {
			var s float64
			for i := 0; i < n; i++ {
				s += q.At(i, j) * wh[i] * x.At(i, c)
			}
			out.Set(j, c, s)
		}
	}
	return out
}

// targetPctDiffs returns the percent deviations (achieved-desired)/desired·100
// for either the fitted cells only or the full target matrix.
func targetPctDiffs(achieved, targets *mat.Dense, mask *Mask, fittedOnly bool) []float64 {
	m, k := targets.Dims()
	out := make([]float64, 0, m*k)
	for j := 0; j < m; j++ {
		for c := 0; c < k; c++ {
			if fittedOnly && mask != nil && !mask.Fitted(j, c) {
				continue
			}
			out = append(out, (achieved.At(j, c)-targets.At(j, c))/targets.At(j, c)*100)
		}
	}
	return out
}

// maxAbs returns the largest absolute value, treating NaN as +Inf so a
// corrupted deviation can never masquerade as convergence.
func maxAbs(v []float64) float64 {
	worst := 0.0
	for _, x := range v {
		if math.IsNaN(x) {
			return math.Inf(1)
		}
		if a := math.Abs(x); a > worst {
			worst = a
		}
	}
	return worst
}

// summarizeAbs computes the percentile summary of absolute deviations.
func summarizeAbs(devs []float64) PercentileStats {
	if len(devs) == 0 {
		return PercentileStats{}
	}
	abs := make([]float64, len(devs))
	for i, d := range devs {
		abs[i] = math.Abs(d)
	}
	sort.Float64s(abs)
	return PercentileStats{
		Max:    abs[len(abs)-1],
		P99:    stat.Quantile(0.99, stat.LinInterp, abs, nil),
		P95:    stat.Quantile(0.95, stat.LinInterp, abs, nil),
		Median: stat.Quantile(0.5, stat.LinInterp, abs, nil),
	}
}

// buildDiagnostics assembles the end-of-run summary from the final weight
// shares. Sweep history and counters are filled in by the loop.
func buildDiagnostics(q *mat.Dense, p *Problem) Diagnostics {
	achieved := achievedTargets(q, p.Weights, p.Characteristics)

	fittedDevs := targetPctDiffs(achieved, p.Targets, p.Mask, true)
	allDevs := targetPctDiffs(achieved, p.Targets, p.Mask, false)

	n, areas := q.Dims()
	maxRowDiff := 0.0
	for i := 0; i < n; i++ {
		var rs float64
		for j := 0; j < areas; j++ {
			rs += q.At(i, j)
		}
		if d := math.Abs(rs - 1); d > maxRowDiff {
			maxRowDiff = d
		}
	}

	m, k := p.Targets.Dims()
	dropped := 0
	if p.Mask != nil {
		dropped = p.Mask.DroppedCount()
	}

	return Diagnostics{
		MaxWeightAbsDiff:    maxRowDiff,
		MaxTargetAbsPctDiff: maxAbs(fittedDevs),
		Fitted:              summarizeAbs(fittedDevs),
		All:                 summarizeAbs(allDevs),
		TargetsPossible:     m * k,
		TargetsDropped:      dropped,
		TargetsUsed:         m*k - dropped,
	}
}
