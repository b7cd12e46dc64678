package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAPIError(t *testing.T) {
	err := New(http.StatusNotFound, "JOB_NOT_FOUND", "Calibration job not found")
	assert.Equal(t, "Calibration job not found", err.Error())
	assert.Equal(t, http.StatusNotFound, err.StatusCode)

	withDetails := InvalidProblemError(fmt.Errorf("targets: no areas"))
	assert.Equal(t, http.StatusUnprocessableEntity, withDetails.StatusCode)
	assert.Equal(t, "targets: no areas", withDetails.Details)
}

func TestProblemDetailsMarshalIncludesExtensions(t *testing.T) {
	pd := NewProblemDetails(422, TypeInvalidProblem, "Invalid Problem", "bad shape", "/api/calibrations").
		WithExtension("trace_id", "t-1")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, TypeInvalidProblem, out["type"])
	assert.Equal(t, float64(422), out["status"])
	assert.Equal(t, "t-1", out["trace_id"])
}

func TestHandleErrorRendersProblemJSON(t *testing.T) {
	h := NewErrorHandler(testLogger(), false)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"api error", ErrJobNotFound, http.StatusNotFound, TypeJobNotFound},
		{"invalid problem", InvalidProblemError(fmt.Errorf("bad")), http.StatusUnprocessableEntity, TypeInvalidProblem},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"no convergence", fmt.Errorf("calibration did not converge"), http.StatusInternalServerError, TypeCalibrationFailed},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/calibrations/x", nil)
			rec := httptest.NewRecorder()

			h.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body["type"])
		})
	}
}

func TestNotFoundHandler(t *testing.T) {
	h := NewErrorHandler(testLogger(), false)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()

	h.NotFound(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}
