package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Calibration CalibrationConfig `yaml:"calibration" envconfig:"CALIBRATION"`
	Paths       PathsConfig       `yaml:"paths" envconfig:"PATHS"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	// RunTimeout bounds a single calibration job. Large problems with the
	// convex methods can legitimately run for minutes.
	RunTimeout time.Duration `yaml:"run_timeout" envconfig:"RUN_TIMEOUT"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// CalibrationConfig contains the engine defaults applied when a request or
// CLI invocation does not override them.
type CalibrationConfig struct {
	Method             string  `yaml:"method" envconfig:"METHOD" validate:"oneof=raking entropy quadratic"`
	MaxIterations      int     `yaml:"max_iterations" envconfig:"MAX_ITERATIONS" validate:"min=0"`
	WeightTolerance    float64 `yaml:"weight_tolerance" envconfig:"WEIGHT_TOLERANCE" validate:"gt=0"`
	TargetPctTolerance float64 `yaml:"target_pct_tolerance" envconfig:"TARGET_PCT_TOLERANCE" validate:"gt=0"`
	Increment          float64 `yaml:"increment" envconfig:"INCREMENT" validate:"gte=0"`
	Parallel           bool    `yaml:"parallel" envconfig:"PARALLEL"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir   string `yaml:"data_dir" envconfig:"DATA_DIR"`
	OutputDir string `yaml:"output_dir" envconfig:"OUTPUT_DIR"`
	LogsDir   string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gt=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"min=1"`
}

// Default returns the built-in configuration. Defaults live here instead of
// struct tags so the file and the environment can each override only the
// fields they set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RunTimeout:      30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/app.log",
		},
		Calibration: CalibrationConfig{
			Method:             "raking",
			WeightTolerance:    0.0005,
			TargetPctTolerance: 0.1,
			Increment:          0.001,
		},
		Paths: PathsConfig{
			DataDir:   "data",
			OutputDir: "output",
			LogsDir:   "logs",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     100,
			Burst:   50,
		},
	}
}

// Load loads configuration starting from the built-in defaults, then the
// optional YAML file, then environment variables. Later sources win.
func Load() (*Config, error) {
	cfg := Default()

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("GEOCALIB", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// configFilePath resolves the YAML config location. GEOCALIB_CONFIG
// overrides the default config.yaml next to the working directory.
func configFilePath() string {
	if path := os.Getenv("GEOCALIB_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

// Validate checks the configuration against the struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// EnsureDirectories creates the configured data, output and log
// directories when they do not exist yet.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.OutputDir, c.Paths.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// OutputPath resolves a file name inside the output directory.
func (c *Config) OutputPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Paths.OutputDir, name)
}

// DataPath resolves a file name inside the data directory.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Paths.DataDir, name)
}
