package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DerivesPathsFromDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CELLAR_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "wine"), cfg.RuntimeDir)
	assert.Equal(t, filepath.Join(dir, "bottles"), cfg.BottlesDir)
	assert.Equal(t, filepath.Join(dir, "exes.json"), cfg.RegistryFile)
	assert.Equal(t, "wine", cfg.Runtime.Binary)
	assert.Equal(t, "wine", cfg.Runtime.ScanPattern)
	assert.Equal(t, "WINEPREFIX", cfg.Runtime.PrefixEnv)
	assert.Equal(t, DefaultLibraryEnv(), cfg.Runtime.LibraryEnv)
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `data_dir: ` + dir + `
runtime:
  binary: wine64
  prefix_env: CUSTOM_PREFIX
log:
  level: debug
installer:
  source: /tmp/wine.tar.gz
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CELLAR_RUNTIME_BINARY", "wine-staging")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wine-staging", cfg.Runtime.Binary, "env must override file")
	assert.Equal(t, "CUSTOM_PREFIX", cfg.Runtime.PrefixEnv)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/wine.tar.gz", cfg.Installer.Source)
	assert.Equal(t, filepath.Join(dir, "exes.json"), cfg.RegistryFile)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.SocketPath)
	assert.Equal(t, "wine", cfg.Runtime.Binary)
}
