package paths

import (
	"os"
	"path/filepath"
)

const appName = "cellar"

// DefaultRunDir holds the daemon socket and pidfile.
func DefaultRunDir() string {
	if x := os.Getenv("XDG_RUNTIME_DIR"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

// DefaultDataDir holds the registry, bottles and the managed runtime.
func DefaultDataDir() string {
	if x := os.Getenv("XDG_DATA_HOME"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}

func DefaultStateDir() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", appName)
}

func DefaultConfigDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName)
}

func DefaultSocketPath() string { return filepath.Join(DefaultRunDir(), "daemon.sock") }
func DefaultPIDPath() string    { return filepath.Join(DefaultRunDir(), "daemon.pid") }

func RegistryPath(dataDir string) string { return filepath.Join(dataDir, "exes.json") }
func RuntimeDir(dataDir string) string   { return filepath.Join(dataDir, "wine") }
func BottlesDir(dataDir string) string   { return filepath.Join(dataDir, "bottles") }
func HistoryPath(stateDir string) string { return filepath.Join(stateDir, "history.db") }
