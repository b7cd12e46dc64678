package services

import (
	"time"
)

// HealthService reports process liveness for the health endpoint.
type HealthService struct {
	startedAt time.Time
	version   string
}

// NewHealthService creates a health service
func NewHealthService(version string) *HealthService {
	return &HealthService{
		startedAt: time.Now(),
		version:   version,
	}
}

// HealthStatus is the health endpoint response body.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Status returns the current health snapshot.
func (s *HealthService) Status() HealthStatus {
	return HealthStatus{
		Status:  "healthy",
		Version: s.version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	}
}
