package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"geocalib/internal/calib"
	"geocalib/internal/config"
	apierrors "geocalib/internal/errors"
	"geocalib/internal/infrastructure"
	custommiddleware "geocalib/internal/middleware"
	"geocalib/internal/services"
	handlers "geocalib/internal/transport/http"
)

const (
	Version = "v1.0.0"
	AppName = "geocalib"
)

// Application wires configuration, services, metrics and the HTTP server
// into one runnable unit.
type Application struct {
	Config             *config.Config
	Router             *chi.Mux
	Server             *http.Server
	CalibrationService *services.CalibrationService
	HealthService      *services.HealthService
	Logger             *slog.Logger
	OTelProviders      *infrastructure.OTelProviders
	Metrics            *infrastructure.CalibrationMetrics
}

// NewApplication creates a new application instance with all dependencies
// wired.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version))

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.CreateCalibrationMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the service layer from the configured engine
// defaults.
func (a *Application) initializeServices() error {
	defaults, err := engineDefaults(a.Config.Calibration)
	if err != nil {
		return err
	}

	calibrationService, err := services.NewCalibrationService(defaults, a.Config.Server.RunTimeout, a.Logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize calibration service: %w", err)
	}
	a.CalibrationService = calibrationService
	a.HealthService = services.NewHealthService(Version)
	return nil
}

// engineDefaults converts the file/env configuration into an engine config.
func engineDefaults(c config.CalibrationConfig) (calib.CalibrationConfig, error) {
	method, err := calib.ParseMethod(c.Method)
	if err != nil {
		return calib.CalibrationConfig{}, err
	}
	return calib.CalibrationConfig{
		Method:             method,
		MaxIterations:      c.MaxIterations,
		WeightTolerance:    c.WeightTolerance,
		TargetPctTolerance: c.TargetPctTolerance,
		Increment:          c.Increment,
		Parallel:           c.Parallel,
	}, nil
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommiddleware.RequestID)
	r.Use(custommiddleware.RealIP)
	r.Use(custommiddleware.StructuredLogger(a.Logger))
	r.Use(custommiddleware.Recoverer(a.Logger))
	r.Use(custommiddleware.SecurityHeaders)
	r.Use(custommiddleware.Compress(5))
	r.Use(custommiddleware.Metrics(a.Metrics))

	if a.Config.RateLimit.Enabled {
		r.Use(custommiddleware.NewRateLimiter(a.Config.RateLimit.RPS, a.Config.RateLimit.Burst, a.Logger).Handler)
	}

	errorHandler := apierrors.NewErrorHandler(a.Logger, false)
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		handlers.NewCalibrationHandler(a.CalibrationService, a.Logger).RegisterRoutes(r)
	})

	handlers.NewHealthHandler(a.HealthService).RegisterRoutes(r)

	// Prometheus endpoint stays outside the middleware chain's JSON defaults.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// createServer builds the HTTP server around the router.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start launches the HTTP listener. Listener failures cancel the run
// context instead of exiting the process.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) {
	a.Logger.InfoContext(ctx, "server starting",
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level),
		slog.String("method_default", a.Config.Calibration.Method))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()
}

// Stop drains the HTTP server and in-flight calibration jobs, then shuts
// down the telemetry providers.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	a.Logger.InfoContext(shutdownCtx, "server shutting down")

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(shutdownCtx, "server shutdown failed", slog.String("error", err.Error()))
	}

	// Jobs already accepted get to finish; their own run timeout bounds this.
	done := make(chan struct{})
	go func() {
		a.CalibrationService.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.Logger.WarnContext(shutdownCtx, "shutdown timeout reached with jobs still running")
	}

	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(shutdownCtx, "telemetry shutdown failed", slog.String("error", err.Error()))
	}

	infrastructure.CloseLogFile()
	return nil
}

// Run starts the application and blocks until an interrupt arrives or the
// listener fails, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	a.Start(ctx, cancel)

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "received interrupt signal")
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx)
}
