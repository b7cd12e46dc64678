package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geocalib/internal/calib"
	"geocalib/internal/config"
	"geocalib/internal/exporter"
	"geocalib/internal/infrastructure"
	"geocalib/internal/loader"
)

func main() {
	weightsPath := flag.String("weights", "", "national weight vector, one column (CSV or XLSX)")
	charsPath := flag.String("characteristics", "", "record-by-characteristic matrix (CSV or XLSX)")
	targetsPath := flag.String("targets", "", "area-by-characteristic target matrix (CSV or XLSX)")
	dropsPath := flag.String("drops", "", "optional YAML drop spec mapping area index to dropped target columns")
	method := flag.String("method", "", "calibration method: raking, entropy or quadratic (default from config)")
	maxIter := flag.Int("maxiter", 0, "outer sweep cap, 0 selects the per-method default")
	parallel := flag.Bool("parallel", false, "calibrate areas concurrently within each sweep")
	outDir := flag.String("out", "", "output directory (defaults to the configured output dir)")
	synthetic := flag.String("synthetic", "", "generate a synthetic problem instead of loading files, as records,areas,characteristics")
	seed := flag.Int64("seed", 1, "seed for the synthetic problem generator")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *outDir != "" {
		cfg.Paths.OutputDir = *outDir
	}
	if err := cfg.EnsureDirectories(); err != nil {
		slog.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Warn("failed to initialize logger, using default", "error", err)
		logger = slog.Default()
	}
	defer infrastructure.CloseLogFile()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = infrastructure.EnsureTraceID(ctx)

	if err := run(ctx, cfg, logger, runOptions{
		weights:         *weightsPath,
		characteristics: *charsPath,
		targets:         *targetsPath,
		drops:           *dropsPath,
		method:          *method,
		maxIterations:   *maxIter,
		parallel:        *parallel,
		synthetic:       *synthetic,
		seed:            *seed,
	}); err != nil {
		logger.ErrorContext(ctx, "calibration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type runOptions struct {
	weights         string
	characteristics string
	targets         string
	drops           string
	method          string
	maxIterations   int
	parallel        bool
	synthetic       string
	seed            int64
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts runOptions) error {
	problem, err := buildProblem(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}

	engineCfg, err := buildConfig(cfg, opts)
	if err != nil {
		return err
	}

	n, m, k := problem.Dims()
	logger.InfoContext(ctx, "starting calibration",
		slog.String("method", engineCfg.Method.String()),
		slog.Int("records", n),
		slog.Int("areas", m),
		slog.Int("characteristics", k),
		slog.Bool("parallel", engineCfg.Parallel))

	calibrator, err := calib.NewCalibrator(engineCfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := calibrator.Run(ctx, problem, nil)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "calibration finished",
		slog.Bool("converged", res.Converged),
		slog.Int("iterations", res.Iterations),
		slog.Float64("max_weight_absdiff", res.Diagnostics.MaxWeightAbsDiff),
		slog.Float64("max_target_abspctdiff", res.Diagnostics.MaxTargetAbsPctDiff),
		slog.Duration("elapsed", time.Since(start)))

	return writeOutputs(cfg, logger, engineCfg, problem, res)
}

// buildProblem loads the problem from files or generates a synthetic one.
func buildProblem(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts runOptions) (*calib.Problem, error) {
	if opts.synthetic != "" {
		var n, m, k int
		if _, err := fmt.Sscanf(opts.synthetic, "%d,%d,%d", &n, &m, &k); err != nil {
			return nil, fmt.Errorf("invalid -synthetic %q, expected records,areas,characteristics: %w", opts.synthetic, err)
		}
		logger.InfoContext(ctx, "generating synthetic problem",
			slog.Int("records", n), slog.Int("areas", m), slog.Int("characteristics", k),
			slog.Int64("seed", opts.seed))
		return calib.RandomProblem(n, m, k, opts.seed, calib.DefaultProblemOptions()), nil
	}

	if opts.weights == "" || opts.characteristics == "" || opts.targets == "" {
		return nil, fmt.Errorf("need -weights, -characteristics and -targets (or -synthetic)")
	}

	return loader.NewLoader(logger).LoadProblem(ctx, loader.ProblemPaths{
		Weights:         cfg.DataPath(opts.weights),
		Characteristics: cfg.DataPath(opts.characteristics),
		Targets:         cfg.DataPath(opts.targets),
		Drops:           dropsPath(cfg, opts.drops),
	})
}

func dropsPath(cfg *config.Config, path string) string {
	if path == "" {
		return ""
	}
	return cfg.DataPath(path)
}

// buildConfig resolves the engine configuration from the file/env defaults
// and the command-line overrides.
func buildConfig(cfg *config.Config, opts runOptions) (calib.CalibrationConfig, error) {
	methodName := cfg.Calibration.Method
	if opts.method != "" {
		methodName = opts.method
	}
	method, err := calib.ParseMethod(methodName)
	if err != nil {
		return calib.CalibrationConfig{}, err
	}

	engineCfg := calib.CalibrationConfig{
		Method:             method,
		MaxIterations:      cfg.Calibration.MaxIterations,
		WeightTolerance:    cfg.Calibration.WeightTolerance,
		TargetPctTolerance: cfg.Calibration.TargetPctTolerance,
		Increment:          cfg.Calibration.Increment,
		Parallel:           cfg.Calibration.Parallel || opts.parallel,
	}
	if opts.maxIterations > 0 {
		engineCfg.MaxIterations = opts.maxIterations
	}
	return engineCfg, nil
}

// writeOutputs exports the shares, area weights, sweep history and the run
// summary into the output directory.
func writeOutputs(cfg *config.Config, logger *slog.Logger, engineCfg calib.CalibrationConfig, problem *calib.Problem, res *calib.Result) error {
	writer := exporter.NewCSVWriter(logger)

	if err := writer.WriteShares(cfg.OutputPath("shares.csv"), res.QFinal); err != nil {
		return fmt.Errorf("write shares: %w", err)
	}
	if err := writer.WriteAreaWeights(cfg.OutputPath("area_weights.csv"), res, problem.Weights); err != nil {
		return fmt.Errorf("write area weights: %w", err)
	}
	if err := writer.WriteSweepHistory(cfg.OutputPath("sweeps.csv"), res.Diagnostics.Sweeps); err != nil {
		return fmt.Errorf("write sweep history: %w", err)
	}
	if err := writer.WriteSummary(cfg.OutputPath("summary.json"), engineCfg.Method.String(), res); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	logger.Info("outputs written", slog.String("dir", cfg.Paths.OutputDir))
	return nil
}
