package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geocalib/internal/calib"
	"geocalib/internal/services"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (chi.Router, *services.CalibrationService) {
	t.Helper()
	svc, err := services.NewCalibrationService(calib.DefaultCalibrationConfig(), time.Minute, testLogger(), nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	NewCalibrationHandler(svc, testLogger()).RegisterRoutes(r)
	NewHealthHandler(services.NewHealthService("test")).RegisterRoutes(r)
	return r, svc
}

// smallProblemBody is a 3-record, 2-area, 1-characteristic problem whose
// targets are exactly the population split, so raking converges immediately.
func smallProblemBody(extra map[string]interface{}) []byte {
	body := map[string]interface{}{
		"weights":         []float64{10, 20, 30},
		"characteristics": [][]float64{{1}, {1}, {1}},
		"targets":         [][]float64{{24}, {36}},
	}
	for k, v := range extra {
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return data
}

func TestSubmitAndFetchJob(t *testing.T) {
	router, svc := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/calibrations", bytes.NewReader(smallProblemBody(nil)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var job services.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)

	svc.Wait()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calibrations/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got services.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, services.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Converged)
}

func TestSubmitInvalidJSON(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calibrations", strings.NewReader("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestSubmitStructurallyInvalidProblem(t *testing.T) {
	router, _ := newTestRouter(t)

	// Characteristics row count disagrees with the weight vector.
	body := smallProblemBody(map[string]interface{}{
		"characteristics": [][]float64{{1}, {1}},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calibrations", bytes.NewReader(body)))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitRaggedMatrix(t *testing.T) {
	router, _ := newTestRouter(t)

	body := smallProblemBody(map[string]interface{}{
		"targets": [][]float64{{24}, {36, 1}},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calibrations", bytes.NewReader(body)))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitUnknownMethod(t *testing.T) {
	router, _ := newTestRouter(t)

	body := smallProblemBody(map[string]interface{}{"method": "bogus"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calibrations", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownJob(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calibrations/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestWeightsDownload(t *testing.T) {
	router, svc := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calibrations", bytes.NewReader(smallProblemBody(nil))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job services.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	svc.Wait()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calibrations/"+job.ID+"/weights", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	body := strings.TrimPrefix(rec.Body.String(), "\xEF\xBB\xBF")
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 4) // header plus three records
	assert.Equal(t, "record,area_0,area_1", strings.TrimSpace(lines[0]))
}

func TestSharesDownload(t *testing.T) {
	router, svc := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calibrations", bytes.NewReader(smallProblemBody(nil))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job services.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	svc.Wait()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calibrations/"+job.ID+"/shares", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "area_0")
}

func TestListJobs(t *testing.T) {
	router, svc := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calibrations", bytes.NewReader(smallProblemBody(nil))))
	require.Equal(t, http.StatusAccepted, rec.Code)
	svc.Wait()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calibrations", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []services.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status services.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "test", status.Version)
}
