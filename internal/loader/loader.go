package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v2"

	"geocalib/internal/calib"
)

// ProblemPaths names the input files of a calibration problem. Targets may
// be a .csv or .xlsx file; Drops is an optional YAML file excluding target
// cells from the fit.
type ProblemPaths struct {
	Weights         string
	Characteristics string
	Targets         string
	Drops           string
}

// Loader reads calibration problems from disk.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// LoadProblem assembles a validated calibration problem from the given
// files. A header row in any tabular input is detected and skipped.
func (l *Loader) LoadProblem(ctx context.Context, paths ProblemPaths) (*calib.Problem, error) {
	weights, err := l.loadWeights(paths.Weights)
	if err != nil {
		return nil, fmt.Errorf("weights %s: %w", paths.Weights, err)
	}

	xrows, err := l.loadMatrix(paths.Characteristics)
	if err != nil {
		return nil, fmt.Errorf("characteristics %s: %w", paths.Characteristics, err)
	}

	trows, err := l.loadMatrix(paths.Targets)
	if err != nil {
		return nil, fmt.Errorf("targets %s: %w", paths.Targets, err)
	}

	x, err := toDense(xrows)
	if err != nil {
		return nil, fmt.Errorf("characteristics %s: %w", paths.Characteristics, err)
	}
	targets, err := toDense(trows)
	if err != nil {
		return nil, fmt.Errorf("targets %s: %w", paths.Targets, err)
	}

	p := &calib.Problem{
		Weights:         weights,
		Characteristics: x,
		Targets:         targets,
	}

	if paths.Drops != "" {
		m, k := targets.Dims()
		mask, err := l.loadDrops(paths.Drops, m, k)
		if err != nil {
			return nil, fmt.Errorf("drops %s: %w", paths.Drops, err)
		}
		p.Mask = mask
	}

	if err := calib.ValidateProblem(p); err != nil {
		return nil, err
	}

	n, m, k := p.Dims()
	l.logger.InfoContext(ctx, "problem loaded",
		"records", n,
		"areas", m,
		"characteristics", k,
		"masked", p.Mask != nil,
	)
	return p, nil
}

// loadWeights reads a single-column CSV of national weights.
func (l *Loader) loadWeights(path string) ([]float64, error) {
	rows, err := l.loadMatrix(path)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(rows))
	for i, row := range rows {
		if len(row) != 1 {
			return nil, fmt.Errorf("row %d: expected a single weight column, got %d values", i+1, len(row))
		}
		out = append(out, row[0])
	}
	return out, nil
}

// loadMatrix reads a numeric table from CSV or XLSX depending on the file
// extension.
func (l *Loader) loadMatrix(path string) ([][]float64, error) {
	if isXLSX(path) {
		return l.loadMatrixXLSX(path)
	}
	return l.loadMatrixCSV(path)
}

// loadMatrixCSV reads a numeric CSV table, skipping a header row if the
// first row does not parse as numbers.
func (l *Loader) loadMatrixCSV(path string) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	return parseTable(records)
}

// loadDrops reads a YAML drop spec (area index to excluded column indices)
// and builds the target mask.
func (l *Loader) loadDrops(path string, rows, cols int) (*calib.Mask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var drops calib.DropSpec
	if err := yaml.Unmarshal(data, &drops); err != nil {
		return nil, fmt.Errorf("failed to parse drop spec: %w", err)
	}

	mask, err := calib.BuildMask(rows, cols, drops)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("drop spec loaded", "path", path, "dropped_cells", mask.DroppedCount())
	return mask, nil
}

// parseTable converts string records to floats, tolerating one header row.
func parseTable(records [][]string) ([][]float64, error) {
	out := make([][]float64, 0, len(records))
	for i, record := range records {
		row := make([]float64, len(record))
		ok := true
		for c, cell := range record {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				if i == 0 {
					ok = false
					break
				}
				return nil, fmt.Errorf("row %d column %d: %q is not a number", i+1, c+1, cell)
			}
			row[c] = v
		}
		if !ok {
			continue // header row
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	return out, nil
}

// toDense converts a row-major table to a dense matrix, rejecting ragged rows.
func toDense(rows [][]float64) (*mat.Dense, error) {
	r := len(rows)
	c := len(rows[0])
	data := make([]float64, 0, r*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d", i+1, c, len(row))
		}
		data = append(data, row...)
	}
	return mat.NewDense(r, c, data), nil
}
