//go:build unix

package launch

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ProcessSpawner starts the child in its own session so it outlives the caller.
type ProcessSpawner struct{}

func (ProcessSpawner) Spawn(spec Spec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, errors.New("empty argv")
	}

	logf, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	// The child holds its own descriptor once started.
	defer logf.Close()

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid
	// Reap without monitoring.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
