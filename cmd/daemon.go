//go:build unix

package cmd

import (
	"fmt"
	"time"

	"github.com/gurisko/cellar/internal/apiclient"
	"github.com/gurisko/cellar/internal/daemon"
	"github.com/gurisko/cellar/internal/logging"
	"github.com/spf13/cobra"
)

var daemonStatusJSON bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the cellar daemon",
	Long: `Control the cellar background daemon that owns the executable registry.

The daemon provides:
- HTTP API over Unix socket
- Registry persistence and reload on external edits
- Wine launches, runtime installs and launch history`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cellar daemon",
	Long: `Start the cellar daemon in foreground mode.

For background operation, use:
  nohup cellar daemon start > /tmp/cellar-daemon.log 2>&1 &`,
	RunE: startDaemon,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the cellar daemon",
	Long:  "Stop the running cellar daemon gracefully.",
	RunE:  stopDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  "Check if the cellar daemon is running and display its status.",
	RunE:  statusDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonStatusCmd.Flags().BoolVar(&daemonStatusJSON, "json", false, "print JSON")
}

// client returns an API client for the configured daemon socket.
func client() *apiclient.Client {
	return apiclient.New(settings.SocketPath)
}

func newDaemon() (*daemon.Daemon, error) {
	lc := logging.DefaultConfig()
	lc.Level = settings.Log.Level
	lc.Development = settings.Log.Development
	logger, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	d, err := daemon.New(&daemon.Config{Settings: settings, Logger: logger.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}
	return d, nil
}

func startDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	return d.Start()
}

func stopDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	return d.Stop()
}

func statusDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}

	status, err := d.GetStatus()
	if err != nil {
		return err
	}
	if daemonStatusJSON {
		return printJSON(status)
	}

	// Format for display
	switch {
	case status.Running:
		fmt.Printf("cellar daemon running (PID: %d)\n", status.PID)
		fmt.Printf("  Socket: %s\n", status.SocketPath)
		fmt.Printf("  Uptime: %s\n", status.Uptime.Round(time.Second))
		fmt.Printf("  Entries: %d\n", status.Entries)
	case status.PID > 0 && status.ErrorMessage != "":
		fmt.Printf("cellar daemon process exists (PID: %d) but not responding\n", status.PID)
		fmt.Printf("  Socket: %s\n", status.SocketPath)
		fmt.Printf("  Error: %v\n", status.ErrorMessage)
	case status.PID > 0:
		fmt.Printf("cellar daemon is not running (stale pidfile)\n")
		fmt.Printf("  Socket: %s\n", status.SocketPath)
	default:
		fmt.Printf("cellar daemon is not running\n")
		fmt.Printf("  Socket: %s\n", status.SocketPath)
	}
	return nil
}
