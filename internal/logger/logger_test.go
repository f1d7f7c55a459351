package logger

import (
	"os"
	"path/filepath"
	"testing"

	"perp-grid-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log := New(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})

	log.Info("grid placed")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "grid placed")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log := New(models.LogConfig{Level: "verbose", Output: "console"})
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}

func TestSBeforeInitReturnsFallback(t *testing.T) {
	sugaredLogger = nil
	assert.NotNil(t, S())

	InitLogger(models.LogConfig{Level: "info", Output: "console"})
	assert.Same(t, sugaredLogger, S())
}
