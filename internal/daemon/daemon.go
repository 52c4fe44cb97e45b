//go:build unix

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gurisko/cellar/internal/apiclient"
	"github.com/gurisko/cellar/internal/bottle"
	"github.com/gurisko/cellar/internal/catalog"
	"github.com/gurisko/cellar/internal/config"
	"github.com/gurisko/cellar/internal/history"
	"github.com/gurisko/cellar/internal/installer"
	"github.com/gurisko/cellar/internal/launch"
	"github.com/gurisko/cellar/internal/locator"
	"github.com/gurisko/cellar/internal/metrics"
	"github.com/gurisko/cellar/internal/registry"
	"go.uber.org/zap"
)

type Daemon struct {
	socketPath string
	pidFile    string
	settings   *config.Config
	logger     *zap.Logger
	listener   net.Listener
	server     *http.Server
	client     *apiclient.Client // talks to a running instance

	lookPath func(string) (string, error)
	spawner  launch.Spawner

	// Components, built by open
	registry  *registry.Registry
	bottles   *bottle.Manager
	catalog   *catalog.Catalog
	locator   *locator.Locator
	launcher  *launch.Coordinator
	installer *installer.Installer
	history   *history.Store
	metrics   *metrics.Metrics
	watcher   *registryWatcher

	// Stats
	startTime time.Time
}

type Config struct {
	SocketPath string
	PIDFile    string
	Settings   *config.Config
	Logger     *zap.Logger

	// LookPath replaces exec.LookPath in the runtime locator.
	LookPath func(string) (string, error)
	// Spawner replaces the real process spawner.
	Spawner launch.Spawner
}

// New prepares a daemon handle. It is cheap: components are only opened by Start, so the
// same handle serves stop and status.
func New(cfg *Config) (*Daemon, error) {
	// Apply defaults for any empty fields
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = cfg.Settings.SocketPath
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = cfg.Settings.PIDFile
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Daemon{
		socketPath: cfg.SocketPath,
		pidFile:    cfg.PIDFile,
		settings:   cfg.Settings,
		logger:     cfg.Logger,
		lookPath:   cfg.LookPath,
		spawner:    cfg.Spawner,
		client:     apiclient.New(cfg.SocketPath),
		startTime:  time.Now().UTC(),
	}, nil
}

// open builds every component from the settings. A corrupt registry store is logged and
// the daemon continues with an empty registry.
func (d *Daemon) open() error {
	s := d.settings

	d.bottles = bottle.New(s.BottlesDir, d.logger.Named("bottle"))
	d.catalog = catalog.Default()
	d.metrics = metrics.New()

	d.registry = registry.New(registry.Options{
		Path:      s.RegistryFile,
		Bottles:   d.bottles,
		Suggester: d.catalog,
		Logger:    d.logger.Named("registry"),
	})
	if err := d.registry.Load(); err != nil {
		if !errors.Is(err, registry.ErrPersistence) {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		d.logger.Error("registry store unreadable, starting empty", zap.Error(err))
	}
	d.metrics.Entries.Set(float64(d.registry.Len()))

	d.locator = locator.New(locator.Options{
		Dir:         s.RuntimeDir,
		Binary:      s.Runtime.Binary,
		ScanPattern: s.Runtime.ScanPattern,
		LookPath:    d.lookPath,
		Logger:      d.logger.Named("locator"),
	})

	hist, err := history.Open(s.HistoryFile, d.logger.Named("history"))
	if err != nil {
		return fmt.Errorf("failed to open launch history: %w", err)
	}
	d.history = hist

	d.launcher = launch.New(launch.Options{
		Runtime:    d.locator,
		Bottles:    d.bottles,
		PrefixEnv:  s.Runtime.PrefixEnv,
		LibraryEnv: s.Runtime.LibraryEnv,
		Spawner:    d.spawner,
		Recorders:  []launch.Recorder{d.history, d.metrics},
		Logger:     d.logger.Named("launch"),
	})

	d.installer = installer.New(installer.Options{
		Source: s.Installer.Source,
		Dir:    s.RuntimeDir,
		Logger: d.logger.Named("installer"),
	})
	return nil
}

func (d *Daemon) close() {
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.logger.Warn("failed to close launch history", zap.Error(err))
		}
	}
}

type HealthResponse struct {
	Status  string  `json:"status"`
	Uptime  float64 `json:"uptime"`
	Entries int     `json:"entries"`
}

type StatusInfo struct {
	Running      bool          `json:"running"`
	PID          int           `json:"pid,omitempty"`
	SocketPath   string        `json:"socket"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	Entries      int           `json:"entries"`
	ErrorMessage string        `json:"error,omitempty"` // For when process exists but not responding
}

// getHealth asks whatever listens on the socket for its health. An answer proves the
// pidfile belongs to a live cellar daemon and not a reused PID.
func (d *Daemon) getHealth() (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	var health HealthResponse
	if err := d.client.GetJSON(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}
