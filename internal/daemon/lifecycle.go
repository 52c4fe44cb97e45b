//go:build unix

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning indicates a healthy daemon already owns the pidfile
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrNotRunning indicates there is no daemon to stop
	ErrNotRunning = errors.New("daemon not running")
)

const (
	healthTimeout   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
	stopTimeout     = 5 * time.Second
	stopPoll        = 100 * time.Millisecond
)

// Start runs the daemon in the foreground until SIGINT or SIGTERM.
func (d *Daemon) Start() error {
	if d.IsRunning() {
		pid, _ := d.readPIDFile()
		return fmt.Errorf("%w (PID: %d)", ErrAlreadyRunning, pid)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return d.serve(ctx)
}

// serve opens the components, claims the socket and pidfile, and answers requests until
// ctx is done.
func (d *Daemon) serve(ctx context.Context) error {
	if err := d.open(); err != nil {
		d.close()
		return err
	}
	defer d.close()

	listener, err := d.listen()
	if err != nil {
		return err
	}
	d.listener = listener

	if err := d.writePIDFile(); err != nil {
		listener.Close()
		_ = removeSocketIfExists(d.socketPath)
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if w, err := d.watchRegistry(ctx); err != nil {
		d.logger.Warn("registry watcher unavailable", zap.Error(err))
	} else {
		d.watcher = w
	}

	d.startTime = time.Now().UTC()
	d.server = &http.Server{
		Handler:      d.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.server.Serve(listener)
	}()
	d.logger.Info("cellar daemon started",
		zap.Int("pid", os.Getpid()), zap.String("socket", d.socketPath),
		zap.String("registry", d.settings.RegistryFile), zap.Int("entries", d.registry.Len()))

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down", zap.Error(context.Cause(ctx)))
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("server error", zap.Error(err))
			runErr = err
		}
	}

	d.shutdown()
	return runErr
}

// listen binds the unix socket with owner-only permissions, replacing a stale socket
// left by a crashed daemon.
func (d *Daemon) listen() (net.Listener, error) {
	if err := ensureParentDir(d.socketPath); err != nil {
		return nil, fmt.Errorf("failed to prepare socket directory: %w", err)
	}
	if err := removeSocketIfExists(d.socketPath); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Stop signals the daemon named in the pidfile and waits for it to go away.
func (d *Daemon) Stop() error {
	pid, err := d.readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotRunning
		}
		return fmt.Errorf("failed reading pidfile: %w", err)
	}
	if !isProcessAlive(pid) {
		_ = os.Remove(d.pidFile)
		return fmt.Errorf("%w (removed stale pidfile for PID %d)", ErrNotRunning, pid)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	deadline := time.Now().Add(stopTimeout)
	ticker := time.NewTicker(stopPoll)
	defer ticker.Stop()
	for range ticker.C {
		if !d.IsRunning() {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, stopTimeout)
}

func (d *Daemon) GetStatus() (*StatusInfo, error) {
	info := &StatusInfo{SocketPath: d.socketPath}

	pid, err := d.readPIDFile()
	if err != nil {
		return info, nil
	}
	info.PID = pid

	if !isProcessAlive(pid) {
		// Stale PID file
		return info, nil
	}

	health, err := d.getHealth()
	if err != nil {
		// Process alive but not responding on socket
		info.ErrorMessage = err.Error()
		return info, nil
	}

	info.Running = true
	info.Uptime = time.Duration(health.Uptime * float64(time.Second))
	info.Entries = health.Entries
	return info, nil
}

// IsRunning reports whether the pidfile names a live process that answers on the socket.
func (d *Daemon) IsRunning() bool {
	pid, err := d.readPIDFile()
	if err != nil || !isProcessAlive(pid) {
		return false
	}
	_, err = d.getHealth()
	return err == nil
}

func (d *Daemon) shutdown() {
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Warn("server shutdown error", zap.Error(err))
		}
	}
	if d.listener != nil {
		d.listener.Close()
	}

	_ = removeSocketIfExists(d.socketPath)
	_ = os.Remove(d.pidFile)
	d.logger.Info("cellar daemon stopped")
}

// writePIDFile claims the pidfile with O_EXCL. A pidfile naming a dead process is
// replaced; one naming a live process is an error.
func (d *Daemon) writePIDFile() error {
	if err := ensureParentDir(d.pidFile); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	for {
		f, err := os.OpenFile(d.pidFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			return werr
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		if old, rerr := d.readPIDFile(); rerr == nil && isProcessAlive(old) {
			return fmt.Errorf("%w (PID: %d)", ErrAlreadyRunning, old)
		}
		if err := os.Remove(d.pidFile); err != nil {
			return fmt.Errorf("stale pidfile exists and cannot remove: %w", err)
		}
	}
}

func (d *Daemon) readPIDFile() (int, error) {
	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// isProcessAlive sends signal 0 to pid.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ensureParentDir creates the parent of path as an owner-only directory.
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	_ = os.Chmod(dir, 0o700)
	return nil
}

// removeSocketIfExists removes path only when it is a socket.
func removeSocketIfExists(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to remove non-socket path: %s", path)
	}
	return os.Remove(path)
}
