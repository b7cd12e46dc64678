package calib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		input   string
		want    Method
		wantErr bool
	}{
		{"raking", MethodRaking, false},
		{"entropy", MethodEntropy, false},
		{"quadratic", MethodQuadratic, false},
		{"  Raking ", MethodRaking, false},
		{"ENTROPY", MethodEntropy, false},
		{"newton", MethodRaking, true},
		{"", MethodRaking, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, err := ParseMethod(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
		})
	}
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "raking", MethodRaking.String())
	assert.Equal(t, "entropy", MethodEntropy.String())
	assert.Equal(t, "quadratic", MethodQuadratic.String())
	assert.Equal(t, "unknown", Method(42).String())

	assert.False(t, MethodRaking.IsConvex())
	assert.True(t, MethodEntropy.IsConvex())
	assert.True(t, MethodQuadratic.IsConvex())
}

func TestDefaultCalibrationConfig(t *testing.T) {
	cfg := DefaultCalibrationConfig()
	assert.True(t, cfg.IsValid())
	assert.Equal(t, MethodRaking, cfg.Method)
	assert.Equal(t, DefaultWeightTolerance, cfg.WeightTolerance)
	assert.Equal(t, DefaultTargetPctTolerance, cfg.TargetPctTolerance)

	// Zero iterations resolve to per-method defaults.
	assert.Equal(t, DefaultRakingIterations, cfg.maxIterations())
	cfg.Method = MethodEntropy
	assert.Equal(t, DefaultConvexIterations, cfg.maxIterations())
	cfg.MaxIterations = 7
	assert.Equal(t, 7, cfg.maxIterations())
}

func TestCalibrationConfigIsValid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CalibrationConfig)
		want   bool
	}{
		{"default", func(c *CalibrationConfig) {}, true},
		{"zero weight tolerance", func(c *CalibrationConfig) { c.WeightTolerance = 0 }, false},
		{"negative target tolerance", func(c *CalibrationConfig) { c.TargetPctTolerance = -0.1 }, false},
		{"negative iterations", func(c *CalibrationConfig) { c.MaxIterations = -1 }, false},
		{"negative increment", func(c *CalibrationConfig) { c.Increment = -0.001 }, false},
		{"unknown method", func(c *CalibrationConfig) { c.Method = Method(9) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCalibrationConfig()
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, cfg.IsValid())
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := ValidationError{Field: "weights", Message: "no records"}
	assert.Equal(t, "weights: no records", err.Error())
}
