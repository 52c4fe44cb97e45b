package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_ProductionWritesJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cellar.log")
	logger, err := New(Config{Level: "info", OutputPaths: []string{out}})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("daemon started", zap.String("socket", "/run/cellar.sock"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line), "exactly one JSON line expected, got %q", data)
	assert.Equal(t, "daemon started", line["msg"])
	assert.Equal(t, "/run/cellar.sock", line["socket"])
	assert.Contains(t, line, "timestamp")
}

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		_, err := New(Config{Level: level, OutputPaths: []string{filepath.Join(t.TempDir(), "x.log")}})
		assert.NoError(t, err, level)
	}

	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.False(t, cfg.Development)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
}
