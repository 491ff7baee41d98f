// Package config loads mlflow-exim settings.
//
// Precedence, lowest first: DefaultConfig, the YAML file, environment
// variables, then command-line flags (applied by the caller).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/mlflow-exim/internal/retry"
	"github.com/fentz26/mlflow-exim/internal/scheduler"
)

// Environment variables understood by the tool.
const (
	EnvTrackingURI      = "MLFLOW_TRACKING_URI"
	EnvTrackingToken    = "MLFLOW_TRACKING_TOKEN"
	EnvTrackingUsername = "MLFLOW_TRACKING_USERNAME"
	EnvTrackingPassword = "MLFLOW_TRACKING_PASSWORD"
	EnvDatabricksHost   = "DATABRICKS_HOST"
	EnvDatabricksToken  = "DATABRICKS_TOKEN"
	EnvLogOutputFile    = "MLFLOW_EXPORT_IMPORT_LOG_OUTPUT_FILE"
	EnvLogFormat        = "MLFLOW_EXPORT_IMPORT_LOG_FORMAT"
	EnvConfigFile       = "MLFLOW_EXIM_CONFIG"
)

// Config is the complete tool configuration.
type Config struct {
	Tracking  TrackingConfig   `yaml:"tracking"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Retry     retry.Policy     `yaml:"retry"`
	Artifacts ArtifactsConfig  `yaml:"artifacts"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// TrackingConfig describes how to reach the tracking server.
type TrackingConfig struct {
	// URI is an http(s) URL, "databricks", "databricks-uc" or "databricks://<profile>".
	URI string `yaml:"uri"`
	// Host is the workspace URL used when URI names a Databricks workspace.
	Host     string `yaml:"host"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Timeout bounds every single request, including artifact streams.
	Timeout time.Duration `yaml:"timeout"`
	// RequestsPerSecond caps outbound calls; tracking servers rate-limit aggressively.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ArtifactsConfig tunes artifact transfer.
type ArtifactsConfig struct {
	// Workers is the per-object file transfer sub-pool size.
	Workers int      `yaml:"workers"`
	S3      S3Config `yaml:"s3"`
}

// S3Config overrides the AWS defaults for s3:// artifact roots.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console"; empty picks console on a terminal.
	Format     string `yaml:"format"`
	OutputFile string `yaml:"output_file"`
}

// MetricsConfig configures the prometheus textfile written at batch end.
type MetricsConfig struct {
	File string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Tracking: TrackingConfig{
			Timeout:           5 * time.Minute,
			RequestsPerSecond: 20,
			Burst:             10,
		},
		Scheduler: *scheduler.DefaultConfig(),
		Retry:     retry.DefaultPolicy(),
		Artifacts: ArtifactsConfig{
			Workers: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, and the
// process environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Tracking.URI, EnvTrackingURI)
	set(&c.Tracking.Username, EnvTrackingUsername)
	set(&c.Tracking.Password, EnvTrackingPassword)
	set(&c.Tracking.Host, EnvDatabricksHost)
	set(&c.Tracking.Token, EnvTrackingToken)
	set(&c.Tracking.Token, EnvDatabricksToken)
	set(&c.Log.OutputFile, EnvLogOutputFile)
	set(&c.Log.Format, EnvLogFormat)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Tracking.URI == "" {
		return fmt.Errorf("tracking URI is not set (use --tracking-uri or %s)", EnvTrackingURI)
	}
	if IsDatabricks(c.Tracking.URI) && c.Tracking.Host == "" {
		return fmt.Errorf("tracking URI %q needs %s", c.Tracking.URI, EnvDatabricksHost)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Artifacts.Workers < 1 {
		return fmt.Errorf("artifact workers must be at least 1, got %d", c.Artifacts.Workers)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q (json, console)", c.Log.Format)
	}
	return nil
}

// IsDatabricks reports whether uri names a Databricks workspace rather than a URL.
func IsDatabricks(uri string) bool {
	return uri == "databricks" || uri == "databricks-uc" || strings.HasPrefix(uri, "databricks://")
}
