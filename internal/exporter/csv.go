package exporter

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"geocalib/internal/calib"
)

// CSVWriter exports calibration output as CSV files.
type CSVWriter struct {
	logger *slog.Logger
}

// NewCSVWriter creates a new CSV writer instance
func NewCSVWriter(logger *slog.Logger) *CSVWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVWriter{logger: logger}
}

// WriteOptions configures CSV writing behavior
type WriteOptions struct {
	Headers   []string
	Records   [][]string
	BOMPrefix bool // Add UTF-8 BOM for Excel compatibility
}

// WriteCSV writes data to a CSV file with the given options
func (w *CSVWriter) WriteCSV(path string, options WriteOptions) error {
	w.logger.Info("writing CSV file",
		slog.String("path", path),
		slog.Int("record_count", len(options.Records)))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	// BOM helps Excel recognize UTF-8.
	if options.BOMPrefix {
		if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if len(options.Headers) > 0 {
		if err := writer.Write(options.Headers); err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
	}
	for i, record := range options.Records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	return writer.Error()
}

// WriteShares exports the final weight-share matrix, one record per row with
// an area_<j> column per area.
func (w *CSVWriter) WriteShares(path string, q *mat.Dense) error {
	return w.WriteCSV(path, WriteOptions{
		Headers:   matrixHeaders("area", q),
		Records:   matrixRecords(q),
		BOMPrefix: true,
	})
}

// WriteAreaWeights exports the weight matrix Q scaled back to national
// weights, which is the form downstream consumers actually join on.
func (w *CSVWriter) WriteAreaWeights(path string, res *calib.Result, wh []float64) error {
	weights := res.AreaWeights(wh)
	return w.WriteCSV(path, WriteOptions{
		Headers:   matrixHeaders("area", weights),
		Records:   matrixRecords(weights),
		BOMPrefix: true,
	})
}

// WriteSweepHistory exports the per-sweep convergence metrics.
func (w *CSVWriter) WriteSweepHistory(path string, sweeps []calib.SweepStats) error {
	records := make([][]string, 0, len(sweeps))
	for _, s := range sweeps {
		records = append(records, []string{
			strconv.Itoa(s.Iteration),
			formatFloat(s.MaxWeightAbsDiff),
			formatFloat(s.MaxTargetAbsPctDiff),
			formatFloat(s.P95TargetAbsPctDiff),
			strconv.Itoa(s.IdentityAreas),
			strconv.FormatBool(s.RowSumDivergence),
		})
	}
	return w.WriteCSV(path, WriteOptions{
		Headers:   []string{"iteration", "max_weight_absdiff", "max_target_abspctdiff", "p95_target_abspctdiff", "identity_areas", "row_sum_divergence"},
		Records:   records,
		BOMPrefix: true,
	})
}

func matrixHeaders(prefix string, m *mat.Dense) []string {
	_, cols := m.Dims()
	headers := make([]string, cols+1)
	headers[0] = "record"
	for j := 0; j < cols; j++ {
		headers[j+1] = fmt.Sprintf("%s_%d", prefix, j)
	}
	return headers
}

func matrixRecords(m *mat.Dense) [][]string {
	rows, cols := m.Dims()
	records := make([][]string, rows)
	for i := 0; i < rows; i++ {
		record := make([]string, cols+1)
		record[0] = strconv.Itoa(i)
		for j := 0; j < cols; j++ {
			record[j+1] = formatFloat(m.At(i, j))
		}
		records[i] = record
	}
	return records
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}
