// Package config loads cellar settings from an optional YAML file, CELLAR_* environment
// variables and built-in defaults, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gurisko/cellar/internal/paths"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CELLAR_DATA_DIR.
const EnvPrefix = "CELLAR"

type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	RuntimeDir   string `mapstructure:"runtime_dir"`
	BottlesDir   string `mapstructure:"bottles_dir"`
	RegistryFile string `mapstructure:"registry_file"`
	HistoryFile  string `mapstructure:"history_file"`
	SocketPath   string `mapstructure:"socket"`
	PIDFile      string `mapstructure:"pid_file"`

	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Log       LogConfig       `mapstructure:"log"`
	Installer InstallerConfig `mapstructure:"installer"`
}

type RuntimeConfig struct {
	// Binary is the runtime executable name looked up in the managed dir and on PATH.
	Binary string `mapstructure:"binary"`
	// ScanPattern is the doublestar pattern matched against base names during the recursive scan.
	ScanPattern string `mapstructure:"scan_pattern"`
	PrefixEnv   string `mapstructure:"prefix_env"`
	LibraryEnv  string `mapstructure:"library_env"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type InstallerConfig struct {
	// Source is a local archive path or an http(s) URL.
	Source string `mapstructure:"source"`
}

// DefaultLibraryEnv returns the dynamic loader search variable for the host OS.
func DefaultLibraryEnv() string {
	if runtime.GOOS == "darwin" {
		return "DYLD_LIBRARY_PATH"
	}
	return "LD_LIBRARY_PATH"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", paths.DefaultDataDir())
	v.SetDefault("runtime_dir", "")
	v.SetDefault("bottles_dir", "")
	v.SetDefault("registry_file", "")
	v.SetDefault("history_file", "")
	v.SetDefault("socket", paths.DefaultSocketPath())
	v.SetDefault("pid_file", paths.DefaultPIDPath())
	v.SetDefault("runtime.binary", "wine")
	v.SetDefault("runtime.scan_pattern", "")
	v.SetDefault("runtime.prefix_env", "WINEPREFIX")
	v.SetDefault("runtime.library_env", DefaultLibraryEnv())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("installer.source", "")
}

// Load reads configuration. An empty path searches config.yaml in the default config dir
// and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.DefaultConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.applyDerived()
	return &cfg
}

// applyDerived fills the paths that default relative to DataDir.
func (c *Config) applyDerived() {
	if c.DataDir == "" {
		c.DataDir = paths.DefaultDataDir()
	}
	c.DataDir = expandHome(c.DataDir)
	if c.RuntimeDir == "" {
		c.RuntimeDir = paths.RuntimeDir(c.DataDir)
	}
	if c.BottlesDir == "" {
		c.BottlesDir = paths.BottlesDir(c.DataDir)
	}
	if c.RegistryFile == "" {
		c.RegistryFile = paths.RegistryPath(c.DataDir)
	}
	if c.HistoryFile == "" {
		c.HistoryFile = paths.HistoryPath(paths.DefaultStateDir())
	}
	if c.Runtime.ScanPattern == "" {
		c.Runtime.ScanPattern = c.Runtime.Binary
	}
	c.RuntimeDir = expandHome(c.RuntimeDir)
	c.BottlesDir = expandHome(c.BottlesDir)
	c.RegistryFile = expandHome(c.RegistryFile)
	c.HistoryFile = expandHome(c.HistoryFile)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
