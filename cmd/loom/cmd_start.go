package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// DaemonSpawner abstracts spawning the daemon subprocess for testability.
type DaemonSpawner interface {
	SpawnDaemon() (pid int, err error)
}

// ExecDaemonSpawner spawns a real child process running `loom daemon`.
type ExecDaemonSpawner struct{}

// SpawnDaemon forks a child process running the current binary in daemon mode.
func (e *ExecDaemonSpawner) SpawnDaemon() (int, error) {
	child := exec.Command(os.Args[0], "daemon") //nolint:gosec,noctx // intentionally re-executing self
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	return child.Process.Pid, nil
}

// socketPollTimeout is the maximum time to wait for the daemon socket.
const socketPollTimeout = 5 * time.Second

// socketPollInterval is how often to check for the socket file.
const socketPollInterval = 50 * time.Millisecond

// newStartCmd creates the "loom start" subcommand.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the loom daemon",
		Long:  "Spawns the loom daemon for the repository at the current directory,\nwaits for its control socket, and prints the PID and dashboard URL.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), cmd.OutOrStdout(), &ExecDaemonSpawner{}, socketPollTimeout)
		},
	}
}

// runStart spawns the daemon subprocess, waits for its control socket to
// appear, then confirms it answers.
func runStart(ctx context.Context, w io.Writer, spawner DaemonSpawner, socketTimeout time.Duration) error {
	paths, err := cliPaths()
	if err != nil {
		return err
	}

	status, pid, err := DaemonStatus(paths.PIDPath)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		fmt.Fprintf(w, "daemon already running (PID %d)\n", pid)
		return nil
	}

	if err := os.MkdirAll(paths.LoomDir, 0o700); err != nil {
		return fmt.Errorf("create state dir %s: %w", paths.LoomDir, err)
	}

	pid, err = spawner.SpawnDaemon()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(socketTimeout)
	for time.Now().Before(deadline) {
		if _, statErr := os.Stat(paths.SocketPath); statErr == nil {
			break
		}
		time.Sleep(socketPollInterval)
	}
	if _, err := os.Stat(paths.SocketPath); err != nil {
		return fmt.Errorf("daemon socket not ready at %s: %w", paths.SocketPath, err)
	}

	resp, err := sendRequest(ctx, paths.SocketPath, protocol.Request{Op: protocol.OpDashboardURL})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "loom daemon started (PID %d)\n", pid)
	if resp.URL != "" {
		fmt.Fprintf(w, "dashboard: %s\n", resp.URL)
	}
	return nil
}
