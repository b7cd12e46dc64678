// Package services holds the application services between transport and
// the calibration engine: asynchronous job execution with in-memory result
// storage, and process health reporting.
package services
