package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"geocalib/internal/calib"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *CalibrationService {
	t.Helper()
	svc, err := NewCalibrationService(calib.DefaultCalibrationConfig(), time.Minute, testLogger(), nil)
	require.NoError(t, err)
	return svc
}

func TestSubmitAndComplete(t *testing.T) {
	svc := newTestService(t)
	p := calib.RandomProblem(50, 3, 2, 17, calib.DefaultProblemOptions())

	job, err := svc.Submit(context.Background(), p, calib.DefaultCalibrationConfig())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	svc.Wait()

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Converged)
	assert.False(t, got.FinishedAt.IsZero())

	res, err := svc.Weights(job.ID)
	require.NoError(t, err)
	n, m := res.QFinal.Dims()
	assert.Equal(t, 50, n)
	assert.Equal(t, 3, m)
}

func TestSubmitRejectsInvalidProblem(t *testing.T) {
	svc := newTestService(t)
	p := &calib.Problem{
		Weights:         []float64{1, 2},
		Characteristics: mat.NewDense(3, 2, nil), // row mismatch
		Targets:         mat.NewDense(2, 2, nil),
	}

	_, err := svc.Submit(context.Background(), p, calib.DefaultCalibrationConfig())
	require.Error(t, err)
	assert.Empty(t, svc.List())
}

func TestSubmitAppliesDefaultsOnInvalidConfig(t *testing.T) {
	svc := newTestService(t)
	p := calib.RandomProblem(20, 2, 2, 3, calib.DefaultProblemOptions())

	job, err := svc.Submit(context.Background(), p, calib.CalibrationConfig{})
	require.NoError(t, err)
	assert.Equal(t, calib.DefaultCalibrationConfig(), job.Config)
}

func TestGetUnknownJob(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = svc.Weights("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = svc.Problem("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListPreservesSubmissionOrder(t *testing.T) {
	svc := newTestService(t)

	var ids []string
	for i := 0; i < 3; i++ {
		p := calib.RandomProblem(10, 2, 2, int64(i+1), calib.DefaultProblemOptions())
		job, err := svc.Submit(context.Background(), p, calib.DefaultCalibrationConfig())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	svc.Wait()

	jobs := svc.List()
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.ID)
	}
}

func TestHealthService(t *testing.T) {
	hs := NewHealthService("v1.2.3")
	status := hs.Status()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "v1.2.3", status.Version)
	assert.NotEmpty(t, status.Uptime)
}
