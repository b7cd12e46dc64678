package calib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Calibrator runs the outer fixed-point loop that reconciles the per-area
// solves: each sweep calibrates every area column against its targets, then
// renormalizes rows so each record's shares sum to 1, and repeats until both
// the row-sum and target tolerances hold or the iteration cap is reached.
type Calibrator struct {
	cfg    CalibrationConfig
	logger *slog.Logger
}

// NewCalibrator creates a calibrator with the given configuration.
func NewCalibrator(cfg CalibrationConfig, logger *slog.Logger) (*Calibrator, error) {
	if !cfg.IsValid() {
		return nil, ValidationError{Field: "config", Message: "invalid calibration configuration", Value: cfg}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{cfg: cfg, logger: logger}, nil
}

// Run executes the calibration. q0 is the starting n×m weight-share matrix;
// nil selects the population-share start. The returned Result always carries
// a usable QFinal, even when the run stopped at the iteration cap without
// meeting the tolerances.
func (c *Calibrator) Run(ctx context.Context, p *Problem, q0 *mat.Dense) (*Result, error) {
	start := time.Now()

	if err := ValidateProblem(p); err != nil {
		return nil, fmt.Errorf("invalid problem: %w", err)
	}
	n, m, k := p.Dims()

	var q *mat.Dense
	if q0 != nil {
		qr, qc := q0.Dims()
		if qr != n || qc != m {
			return nil, ValidationError{Field: "q0", Message: "starting matrix shape must be records x areas", Value: []int{qr, qc}}
		}
		q = mat.DenseCopyOf(q0)
	} else {
		var err error
		if q, err = PopulationShares(p); err != nil {
			return nil, err
		}
	}

	// Characteristics premultiplied by the national weights, so the per-area
	// solve works directly on weight shares.
	xw := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for col := 0; col < k; col++ {
			xw.Set(i, col, p.Characteristics.At(i, col)*p.Weights[i])
		}
	}

	maxIter := c.cfg.maxIterations()
	c.logger.InfoContext(ctx, "calibration started",
		"method", c.cfg.Method.String(),
		"records", n,
		"areas", m,
		"characteristics", k,
		"max_iterations", maxIter,
		"parallel", c.cfg.Parallel,
	)

	var (
		sweeps        []SweepStats
		identityTotal int
		clampedSweeps int
		converged     bool
		iterations    int
	)

	for it := 0; it < maxIter; it++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("calibration cancelled after %d sweeps: %w", it, err)
		}

		identityAreas, err := c.sweep(ctx, p, xw, q)
		if err != nil {
			return nil, fmt.Errorf("sweep %d: %w", it+1, err)
		}
		identityTotal += identityAreas

		// Row-sum deviation is measured before renormalization: it is the
		// evidence of how far the per-area solves pulled the shares apart.
		maxWeightAbsDiff, clamped := rowSumDeviation(q, c.cfg.WeightTolerance)
		if clamped {
			clampedSweeps++
		}
		renormalizeRows(q)

		// The target deviation is measured after renormalization, on fitted
		// cells only, so it reflects the matrix a caller would actually use.
		achieved := achievedTargets(q, p.Weights, p.Characteristics)
		fittedDevs := targetPctDiffs(achieved, p.Targets, p.Mask, true)
		maxTargetAbsPctDiff := maxAbs(fittedDevs)
		p95 := summarizeAbs(fittedDevs).P95

		stats := SweepStats{
			Iteration:           it + 1,
			MaxWeightAbsDiff:    maxWeightAbsDiff,
			MaxTargetAbsPctDiff: maxTargetAbsPctDiff,
			P95TargetAbsPctDiff: p95,
			IdentityAreas:       identityAreas,
			RowSumDivergence:    clamped,
		}
		sweeps = append(sweeps, stats)
		iterations = it + 1

		c.logger.InfoContext(ctx, "sweep completed",
			"iteration", stats.Iteration,
			"max_weight_absdiff", stats.MaxWeightAbsDiff,
			"max_target_abspctdiff", stats.MaxTargetAbsPctDiff,
			"p95_target_abspctdiff", stats.P95TargetAbsPctDiff,
			"identity_areas", identityAreas,
		)

		if maxWeightAbsDiff < c.cfg.WeightTolerance && maxTargetAbsPctDiff < c.cfg.TargetPctTolerance {
			converged = true
			break
		}
	}

	diag := buildDiagnostics(q, p)
	diag.IdentitySubstitutions = identityTotal
	diag.RowSumDivergences = clampedSweeps
	diag.Sweeps = sweeps
	diag.Elapsed = time.Since(start)

	c.logger.InfoContext(ctx, "calibration finished",
		"converged", converged,
		"iterations", iterations,
		"max_weight_absdiff", diag.MaxWeightAbsDiff,
		"max_target_abspctdiff", diag.MaxTargetAbsPctDiff,
		"identity_substitutions", identityTotal,
		"elapsed", diag.Elapsed,
	)

	return &Result{
		QFinal:      q,
		Converged:   converged,
		Iterations:  iterations,
		Diagnostics: diag,
	}, nil
}

// sweep calibrates every area column once and reports how many areas fell
// back to the identity adjustment. Sequential sweeps update q in place, so
// later areas see earlier areas' adjustments (Gauss-Seidel); parallel sweeps
// compute all columns from the sweep-start matrix (Jacobi) and commit them
// together.
func (c *Calibrator) sweep(ctx context.Context, p *Problem, xw, q *mat.Dense) (int, error) {
	_, m, _ := p.Dims()

	if !c.cfg.Parallel {
		identity := 0
		for j := 0; j < m; j++ {
			if err := ctx.Err(); err != nil {
				return identity, err
			}
			col, fellBack, err := c.solveColumn(ctx, p, xw, q, j)
			if err != nil {
				return identity, err
			}
			if fellBack {
				identity++
			}
			if col != nil {
				q.SetCol(j, col)
			}
		}
		return identity, nil
	}

	next := mat.DenseCopyOf(q)
	var identity atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for j := 0; j < m; j++ {
		eg.Go(func() error {
			col, fellBack, err := c.solveColumn(egCtx, p, xw, q, j)
			if err != nil {
				return err
			}
			if fellBack {
				identity.Add(1)
			}
			if col != nil {
				next.SetCol(j, col)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return int(identity.Load()), err
	}
	q.Copy(next)
	return int(identity.Load()), nil
}

// solveColumn calibrates one area. It returns the new share column, or
// (nil, false) when the area has no fitted targets and keeps its shares, or
// (identity column, true) when the solve diverged and is deferred to a later
// sweep.
func (c *Calibrator) solveColumn(ctx context.Context, p *Problem, xw, q *mat.Dense, j int) ([]float64, bool, error) {
	n, _, k := p.Dims()

	cols := make([]int, 0, k)
	if p.Mask != nil {
		cols = p.Mask.FittedCols(j)
	} else {
		for col := 0; col < k; col++ {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return nil, false, nil
	}

	// Restrict the weighted characteristics and targets to the fitted cells.
	xs := mat.NewDense(n, len(cols), nil)
	for i := 0; i < n; i++ {
		for ci, col := range cols {
			xs.Set(i, ci, xw.At(i, col))
		}
	}
	total := make([]float64, len(cols))
	for ci, col := range cols {
		total[ci] = p.Targets.At(j, col)
	}

	// A zero share would make the adjustment recovery divide by zero, so the
	// solve sees the smallest positive float instead.
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		v := q.At(i, j)
		if v == 0 {
			v = smallPositive
		}
		d[i] = v
	}

	var (
		g   []float64
		err error
	)
	if c.cfg.Method.IsConvex() {
		g, err = ConvexCalibrate(ctx, xs, d, total, ConvexOptions{
			Objective: c.cfg.Method,
			Increment: c.cfg.Increment,
			Logger:    c.logger,
		})
	} else {
		g, err = RakeArea(xs, d, total)
	}
	if err != nil {
		if errors.Is(err, ErrNoConvergence) {
			c.logger.DebugContext(ctx, "area solve diverged, substituting identity", "area", j)
			return d, true, nil
		}
		return nil, false, fmt.Errorf("area %d: %w", j, err)
	}

	col := make([]float64, n)
	for i := 0; i < n; i++ {
		col[i] = d[i] * g[i]
	}
	return col, false, nil
}

// rowSumDeviation returns the largest |rowSum-1| before renormalization.
// A non-finite row sum cannot produce a meaningful deviation, so the metric
// is clamped to the tolerance: the sweep then never passes the convergence
// check on weights, and the renormalization and later sweeps get the chance
// to repair the row.
func rowSumDeviation(q *mat.Dense, tolerance float64) (float64, bool) {
	n, m := q.Dims()
	worst := 0.0
	clamped := false
	for i := 0; i < n; i++ {
		var rs float64
		for j := 0; j < m; j++ {
			rs += q.At(i, j)
		}
		if math.IsNaN(rs) || math.IsInf(rs, 0) {
			clamped = true
			continue
		}
		if d := math.Abs(rs - 1); d > worst {
			worst = d
		}
	}
	if clamped {
		return tolerance, true
	}
	return worst, false
}

// renormalizeRows rescales every row of q to sum to 1.
func renormalizeRows(q *mat.Dense) {
	n, m := q.Dims()
	for i := 0; i < n; i++ {
		var rs float64
		for j := 0; j < m; j++ {
			rs += q.At(i, j)
		}
		if rs == 0 {
			continue
		}
		for j := 0; j < m; j++ {
			q.Set(i, j, q.At(i, j)/rs)
		}
	}
}
