package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEOCALIB_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "raking", cfg.Calibration.Method)
	assert.Equal(t, 0.0005, cfg.Calibration.WeightTolerance)
	assert.Equal(t, 0.1, cfg.Calibration.TargetPctTolerance)
	assert.False(t, cfg.Calibration.Parallel)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9000
calibration:
  method: entropy
  max_iterations: 25
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0644))
	t.Setenv("GEOCALIB_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "entropy", cfg.Calibration.Method)
	assert.Equal(t, 25, cfg.Calibration.MaxIterations)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.0005, cfg.Calibration.WeightTolerance)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calibration:\n  method: entropy\n"), 0644))
	t.Setenv("GEOCALIB_CONFIG", path)
	t.Setenv("GEOCALIB_CALIBRATION_METHOD", "quadratic")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "quadratic", cfg.Calibration.Method)
}

func TestLoadRejectsInvalidMethod(t *testing.T) {
	t.Setenv("GEOCALIB_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("GEOCALIB_CALIBRATION_METHOD", "newton")

	_, err := Load()
	assert.Error(t, err)
}

func TestEnsureDirectoriesAndPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Paths: PathsConfig{
			DataDir:   filepath.Join(dir, "data"),
			OutputDir: filepath.Join(dir, "output"),
			LogsDir:   filepath.Join(dir, "logs"),
		},
	}
	require.NoError(t, cfg.EnsureDirectories())

	for _, d := range []string{cfg.Paths.DataDir, cfg.Paths.OutputDir, cfg.Paths.LogsDir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	assert.Equal(t, filepath.Join(cfg.Paths.OutputDir, "weights.csv"), cfg.OutputPath("weights.csv"))
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "targets.xlsx"), cfg.DataPath("targets.xlsx"))
	assert.Equal(t, "/tmp/x.csv", cfg.OutputPath("/tmp/x.csv"))
}
