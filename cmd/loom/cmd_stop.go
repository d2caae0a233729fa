package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// stopConfig holds injectable dependencies for the stop command.
type stopConfig struct {
	pidPath  string
	w        io.Writer
	signalFn func(int) error // sends SIGTERM; injectable for testing
	aliveFn  func(int) bool  // checks process liveness; injectable for testing
	killFn   func(int) error // emergency SIGKILL; injectable for testing
	timeout  time.Duration
}

// newStopCmd creates the "loom stop" subcommand.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the loom daemon",
		Long:  "Sends SIGTERM to the daemon and waits for it to drain running agents and exit.\nUnits still RUNNING at shutdown surface on the attention queue after the next start.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := cliPaths()
			if err != nil {
				return err
			}
			cfg := &stopConfig{
				pidPath:  paths.PIDPath,
				w:        cmd.OutOrStdout(),
				signalFn: signalTerm,
				aliveFn:  IsProcessAlive,
				killFn:   signalKill,
				timeout:  30 * time.Second,
			}
			return runStop(cmd.Context(), cfg)
		},
	}
}

// runStop performs a graceful daemon shutdown:
//  1. Send SIGTERM (triggers the drain)
//  2. Wait for the process to exit
//  3. If it won't exit: SIGKILL as emergency fallback
//  4. Remove the PID file
func runStop(ctx context.Context, cfg *stopConfig) error {
	status, pid, err := DaemonStatus(cfg.pidPath)
	if err != nil {
		return fmt.Errorf("get daemon status: %w", err)
	}

	switch status {
	case StatusStopped:
		fmt.Fprintln(cfg.w, "daemon is not running")
		return nil
	case StatusStale:
		fmt.Fprintln(cfg.w, "removing stale PID file (process already dead)")
		return RemovePIDFile(cfg.pidPath)
	case StatusRunning:
	}

	fmt.Fprintf(cfg.w, "sending SIGTERM to daemon (PID %d)\n", pid)
	if err := cfg.signalFn(pid); err != nil {
		fmt.Fprintf(cfg.w, "warning: SIGTERM failed: %v\n", err)
	}

	fmt.Fprintln(cfg.w, "waiting for daemon to drain and exit...")
	if err := waitForExit(ctx, pid, cfg.aliveFn, cfg.timeout); err != nil {
		fmt.Fprintf(cfg.w, "warning: %v\n", err)
		if cfg.killFn != nil {
			fmt.Fprintf(cfg.w, "sending SIGKILL to daemon (PID %d)\n", pid)
			if killErr := cfg.killFn(pid); killErr != nil {
				fmt.Fprintf(cfg.w, "warning: SIGKILL failed: %v\n", killErr)
			}
		}
	}

	// The signal handler usually removes the PID file already.
	_ = RemovePIDFile(cfg.pidPath)

	fmt.Fprintln(cfg.w, "daemon stopped")
	return nil
}
