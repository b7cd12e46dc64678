// Package http holds the HTTP transport layer: chi handlers that translate
// between the JSON/CSV API surface and the calibration services, with
// RFC 7807 problem responses on failure.
package http
