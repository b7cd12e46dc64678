package http

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"gonum.org/v1/gonum/mat"

	"geocalib/internal/calib"
	apierrors "geocalib/internal/errors"
	"geocalib/internal/services"
)

// CalibrationHandler exposes the calibration job lifecycle over HTTP:
// submit a problem, poll its job, fetch the resulting weight matrices.
type CalibrationHandler struct {
	service      *services.CalibrationService
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewCalibrationHandler creates a new calibration handler
func NewCalibrationHandler(service *services.CalibrationService, logger *slog.Logger) *CalibrationHandler {
	return &CalibrationHandler{
		service:      service,
		logger:       logger.With(slog.String("component", "calibration_handler")),
		errorHandler: apierrors.NewErrorHandler(logger, false),
	}
}

// RegisterRoutes mounts the calibration endpoints on the router.
func (h *CalibrationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/calibrations", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/weights", h.Weights)
		r.Get("/{id}/shares", h.Shares)
	})
}

// calibrationRequest is the submission body. Matrices arrive row-major as
// nested arrays; drops maps target-row indexes to dropped column indexes.
type calibrationRequest struct {
	Weights         []float64      `json:"weights"`
	Characteristics [][]float64    `json:"characteristics"`
	Targets         [][]float64    `json:"targets"`
	Drops           calib.DropSpec `json:"drops,omitempty"`

	Method             string  `json:"method,omitempty"`
	MaxIterations      int     `json:"max_iterations,omitempty"`
	WeightTolerance    float64 `json:"weight_tolerance,omitempty"`
	TargetPctTolerance float64 `json:"target_pct_tolerance,omitempty"`
	Increment          float64 `json:"increment,omitempty"`
	Parallel           bool    `json:"parallel,omitempty"`
}

// Submit accepts a calibration problem and starts an asynchronous run.
// Responds 202 with the pending job; structural problems fail with 422.
func (h *CalibrationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req calibrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	problem, err := req.toProblem()
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InvalidProblemError(err))
		return
	}

	cfg, err := req.toConfig()
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.ErrValidation("method", err.Error()))
		return
	}

	job, err := h.service.Submit(r.Context(), problem, cfg)
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.InvalidProblemError(err))
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, job)
}

// List returns all jobs in submission order.
func (h *CalibrationHandler) List(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.List())
}

// Get returns one job by ID, including its result once completed.
func (h *CalibrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.ErrJobNotFound)
		return
	}
	render.JSON(w, r, job)
}

// Weights streams the final area-weight matrix (shares scaled back to
// national weights) as a CSV download.
func (h *CalibrationHandler) Weights(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, problem, err := h.completedRun(id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeMatrixCSV(w, r, id+"_weights.csv", res.AreaWeights(problem.Weights))
}

// Shares streams the final weight-share matrix Q as a CSV download.
func (h *CalibrationHandler) Shares(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, _, err := h.completedRun(id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeMatrixCSV(w, r, id+"_shares.csv", res.QFinal)
}

// completedRun resolves a job to its finished result, mapping service
// states to API errors.
func (h *CalibrationHandler) completedRun(id string) (*calib.Result, *calib.Problem, error) {
	res, err := h.service.Weights(id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrJobNotFound):
			return nil, nil, apierrors.ErrJobNotFound
		case errors.Is(err, services.ErrJobRunning):
			return nil, nil, apierrors.ErrCalibrationRunning
		default:
			return nil, nil, apierrors.CalibrationFailedError(err)
		}
	}
	problem, err := h.service.Problem(id)
	if err != nil {
		return nil, nil, apierrors.ErrJobNotFound
	}
	return res, problem, nil
}

// writeMatrixCSV streams a matrix to the response, one row per record with
// a leading record index column.
func (h *CalibrationHandler) writeMatrixCSV(w http.ResponseWriter, r *http.Request, filename string, m *mat.Dense) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")

	// BOM helps Excel recognize UTF-8.
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return
	}

	rows, cols := m.Dims()
	cw := csv.NewWriter(w)

	header := make([]string, cols+1)
	header[0] = "record"
	for j := 0; j < cols; j++ {
		header[j+1] = "area_" + strconv.Itoa(j)
	}
	if err := cw.Write(header); err != nil {
		h.logger.ErrorContext(r.Context(), "csv stream failed", "error", err.Error())
		return
	}

	record := make([]string, cols+1)
	for i := 0; i < rows; i++ {
		record[0] = strconv.Itoa(i)
		for j := 0; j < cols; j++ {
			record[j+1] = strconv.FormatFloat(m.At(i, j), 'g', 12, 64)
		}
		if err := cw.Write(record); err != nil {
			h.logger.ErrorContext(r.Context(), "csv stream failed", "error", err.Error())
			return
		}
	}
	cw.Flush()
}

// toProblem converts the request payload into an engine problem.
func (req *calibrationRequest) toProblem() (*calib.Problem, error) {
	x, err := toDense("characteristics", req.Characteristics)
	if err != nil {
		return nil, err
	}
	targets, err := toDense("targets", req.Targets)
	if err != nil {
		return nil, err
	}

	problem := &calib.Problem{
		Weights:         req.Weights,
		Characteristics: x,
		Targets:         targets,
	}
	if len(req.Drops) > 0 {
		m, k := targets.Dims()
		mask, err := calib.BuildMask(m, k, req.Drops)
		if err != nil {
			return nil, err
		}
		problem.Mask = mask
	}
	return problem, nil
}

// toConfig resolves the loop configuration, starting from the defaults and
// applying only the fields the request sets.
func (req *calibrationRequest) toConfig() (calib.CalibrationConfig, error) {
	cfg := calib.DefaultCalibrationConfig()
	if req.Method != "" {
		method, err := calib.ParseMethod(req.Method)
		if err != nil {
			return cfg, err
		}
		cfg.Method = method
	}
	if req.MaxIterations > 0 {
		cfg.MaxIterations = req.MaxIterations
	}
	if req.WeightTolerance > 0 {
		cfg.WeightTolerance = req.WeightTolerance
	}
	if req.TargetPctTolerance > 0 {
		cfg.TargetPctTolerance = req.TargetPctTolerance
	}
	if req.Increment > 0 {
		cfg.Increment = req.Increment
	}
	cfg.Parallel = req.Parallel
	return cfg, nil
}

// toDense converts a nested row-major array to a dense matrix, rejecting
// empty and ragged input.
func toDense(field string, rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, calib.ValidationError{Field: field, Message: "matrix must not be empty"}
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, calib.ValidationError{Field: field, Message: "rows must have equal length", Value: i}
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}
