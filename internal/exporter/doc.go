// Package exporter writes calibration results to disk: weight-share and
// area-weight matrices as Excel-friendly CSV, sweep histories, and a JSON
// run summary with the full diagnostics.
package exporter
