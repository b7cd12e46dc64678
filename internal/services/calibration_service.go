package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"geocalib/internal/calib"
	"geocalib/internal/infrastructure"
)

// Service-level sentinel errors. The transport layer maps these to HTTP
// status codes.
var (
	ErrJobNotFound = errors.New("calibration job not found")
	ErrJobRunning  = errors.New("calibration job still running")
)

// JobStatus is the lifecycle state of a calibration job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job tracks one submitted calibration through its lifecycle.
type Job struct {
	ID          string                  `json:"id"`
	Status      JobStatus               `json:"status"`
	Config      calib.CalibrationConfig `json:"config"`
	SubmittedAt time.Time               `json:"submitted_at"`
	StartedAt   time.Time               `json:"started_at,omitempty"`
	FinishedAt  time.Time               `json:"finished_at,omitempty"`
	Error       string                  `json:"error,omitempty"`

	// Result is set once the job completes.
	Result *Result `json:"result,omitempty"`

	problem *calib.Problem
}

// Result is the job-facing view of a finished run. The weight matrix stays
// out of the JSON body; clients fetch it through the weights endpoint.
type Result struct {
	Converged   bool              `json:"converged"`
	Iterations  int               `json:"iterations"`
	Diagnostics calib.Diagnostics `json:"diagnostics"`

	run *calib.Result
}

// Run returns the underlying calibration result.
func (r *Result) Run() *calib.Result { return r.run }

// CalibrationService runs calibration jobs asynchronously and keeps their
// results in memory for retrieval.
type CalibrationService struct {
	defaults   calib.CalibrationConfig
	runTimeout time.Duration
	logger     *slog.Logger
	metrics    *infrastructure.CalibrationMetrics

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string

	wg sync.WaitGroup
}

// NewCalibrationService creates the service. defaults apply to submissions
// that do not override the engine configuration; metrics may be nil.
func NewCalibrationService(defaults calib.CalibrationConfig, runTimeout time.Duration, logger *slog.Logger, metrics *infrastructure.CalibrationMetrics) (*CalibrationService, error) {
	if !defaults.IsValid() {
		return nil, fmt.Errorf("invalid default calibration config")
	}
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalibrationService{
		defaults:   defaults,
		runTimeout: runTimeout,
		logger:     logger.With(slog.String("component", "calibration_service")),
		metrics:    metrics,
		jobs:       make(map[string]*Job),
	}, nil
}

// Submit validates the problem, registers a job and starts the run in the
// background. Validation failures are reported synchronously so a malformed
// problem never occupies a job slot.
func (s *CalibrationService) Submit(ctx context.Context, p *calib.Problem, cfg calib.CalibrationConfig) (*Job, error) {
	if err := calib.ValidateProblem(p); err != nil {
		return nil, fmt.Errorf("invalid problem: %w", err)
	}
	if !cfg.IsValid() {
		cfg = s.defaults
	}

	job := &Job{
		ID:          uuid.New().String(),
		Status:      StatusPending,
		Config:      cfg,
		SubmittedAt: time.Now(),
		problem:     p,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	n, m, k := p.Dims()
	s.logger.InfoContext(ctx, "calibration job submitted",
		"job_id", job.ID,
		"method", cfg.Method.String(),
		"records", n,
		"areas", m,
		"characteristics", k,
	)

	// The run outlives the HTTP request; it gets a detached context that
	// keeps the submitter's trace ID for log correlation. Callers get a
	// snapshot so the running goroutine never races their reads.
	snapshot := *job
	runCtx := infrastructure.WithTraceID(context.Background(), infrastructure.GetTraceID(ctx))
	s.wg.Add(1)
	go s.run(runCtx, job)

	return &snapshot, nil
}

// run executes one job to completion.
func (s *CalibrationService) run(ctx context.Context, job *Job) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	s.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, 1)
		defer s.metrics.ActiveRuns.Add(ctx, -1)
	}

	calibrator, err := calib.NewCalibrator(job.Config, s.logger)
	var res *calib.Result
	if err == nil {
		res, err = calibrator.Run(ctx, job.problem, nil)
	}

	s.mu.Lock()
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
		job.Result = &Result{
			Converged:   res.Converged,
			Iterations:  res.Iterations,
			Diagnostics: res.Diagnostics,
			run:         res,
		}
	}
	duration := job.FinishedAt.Sub(job.StartedAt)
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "calibration job failed",
			"job_id", job.ID,
			"error", err.Error(),
			"duration", duration.String(),
		)
		infrastructure.RecordRunMetrics(ctx, s.metrics, job.Config.Method.String(), duration, 0, 0, false, err)
		return
	}

	s.logger.InfoContext(ctx, "calibration job completed",
		"job_id", job.ID,
		"converged", res.Converged,
		"iterations", res.Iterations,
		"max_target_abspctdiff", res.Diagnostics.MaxTargetAbsPctDiff,
		"duration", duration.String(),
	)
	infrastructure.RecordRunMetrics(ctx, s.metrics, job.Config.Method.String(), duration,
		res.Iterations, res.Diagnostics.IdentitySubstitutions, res.Converged, nil)
}

// Get returns a snapshot of a job by ID.
func (s *CalibrationService) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// Weights returns the completed run behind a job. ErrJobRunning is returned
// while the job has not finished, ErrJobNotFound for unknown or failed jobs'
// missing results.
func (s *CalibrationService) Weights(id string) (*calib.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch job.Status {
	case StatusPending, StatusRunning:
		return nil, ErrJobRunning
	case StatusFailed:
		return nil, fmt.Errorf("calibration job failed: %s", job.Error)
	}
	return job.Result.run, nil
}

// Problem returns the submitted problem of a job, used by the transport
// layer when exporting area weights.
func (s *CalibrationService) Problem(id string) (*calib.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.problem, nil
}

// List returns snapshots of all jobs in submission order.
func (s *CalibrationService) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		snapshot := *s.jobs[id]
		out = append(out, &snapshot)
	}
	return out
}

// Wait blocks until all in-flight jobs finish. Used in shutdown and tests.
func (s *CalibrationService) Wait() {
	s.wg.Wait()
}
