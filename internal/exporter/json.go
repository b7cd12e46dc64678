package exporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"geocalib/internal/calib"
)

// RunSummary is the JSON document written next to the weight exports. It
// carries everything needed to judge a run without re-opening the matrices.
type RunSummary struct {
	Method      string            `json:"method"`
	Converged   bool              `json:"converged"`
	Iterations  int               `json:"iterations"`
	Diagnostics calib.Diagnostics `json:"diagnostics"`
}

// WriteSummary writes the run summary as indented JSON.
func (w *CSVWriter) WriteSummary(path string, method string, res *calib.Result) error {
	summary := RunSummary{
		Method:      method,
		Converged:   res.Converged,
		Iterations:  res.Iterations,
		Diagnostics: res.Diagnostics,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	w.logger.Info("run summary written", "path", path, "converged", res.Converged)
	return nil
}
