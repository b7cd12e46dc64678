// Package app assembles the calibration service into a runnable HTTP
// application: configuration, logging, telemetry, the service layer, the
// router with its middleware chain, and graceful shutdown.
package app
