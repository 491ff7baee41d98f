package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/mlflow-exim/internal/config"
)

func TestNew_WritesJSONToOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exim.log")

	logger, closeFn, err := New(config.LogConfig{Level: "info", Format: "console", OutputFile: path})
	require.NoError(t, err)

	logger.Info("batch started", zap.String("batch_id", "b-1"))
	logger.Debug("hidden")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"batch started"`)
	assert.Contains(t, lines[0], `"batch_id":"b-1"`)
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
