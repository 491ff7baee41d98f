package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 4, cfg.Artifacts.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Tracking.Timeout)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exim.yaml")
	content := `
tracking:
  uri: http://file-host:5000
  timeout: 90s
scheduler:
  workers: 3
  by_kind:
    run: 2
retry:
  max_attempts: 2
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv(EnvTrackingURI, "http://env-host:5000")
	t.Setenv(EnvLogFormat, "console")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://env-host:5000", cfg.Tracking.URI)
	assert.Equal(t, 90*time.Second, cfg.Tracking.Timeout)
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.Equal(t, 2, cfg.Scheduler.ByKind["run"])
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestApplyEnv_DatabricksTokenWins(t *testing.T) {
	env := map[string]string{
		EnvTrackingURI:     "databricks",
		EnvDatabricksHost:  "https://adb-1.azuredatabricks.net",
		EnvTrackingToken:   "mlflow-token",
		EnvDatabricksToken: "dapi-token",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "dapi-token", cfg.Tracking.Token)
	assert.Equal(t, "https://adb-1.azuredatabricks.net", cfg.Tracking.Host)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing tracking uri")

	cfg.Tracking.URI = "databricks-uc"
	assert.Error(t, cfg.Validate(), "databricks without host")

	cfg.Tracking.URI = "http://localhost:5000"
	cfg.Scheduler.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg.Scheduler.Workers = 1
	cfg.Log.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg.Log.Format = "json"
	assert.NoError(t, cfg.Validate())
}

func TestIsDatabricks(t *testing.T) {
	assert.True(t, IsDatabricks("databricks"))
	assert.True(t, IsDatabricks("databricks-uc"))
	assert.True(t, IsDatabricks("databricks://prod"))
	assert.False(t, IsDatabricks("http://databricks.example.com"))
}
