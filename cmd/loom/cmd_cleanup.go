package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// cleanupConfig holds injectable dependencies for the cleanup command.
type cleanupConfig struct {
	runner       CmdRunner
	w            io.Writer
	pidPath      string
	sockPath     string
	portPath     string
	worktreesDir string
	signalFn     func(int) error // sends SIGTERM; injectable for testing
	aliveFn      func(int) bool  // checks process liveness; injectable for testing
	isTTY        func() bool     // reports whether stdin is a TTY; injectable for testing
	force        bool
	timeout      time.Duration
}

// newCleanupCmd creates the "loom cleanup" subcommand.
func newCleanupCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Clean all loom state after a crash",
		Long: `Idempotently cleans up all loom state: stops the daemon if running;
removes stale PID, socket, and port files; prunes git worktrees; removes
the .worktrees/ directory; and deletes agent/* branches.

Safe to run anytime. If nothing is running, reports "nothing to clean".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := cliPaths()
			if err != nil {
				return err
			}

			cfg := &cleanupConfig{
				runner:       &ExecRunner{},
				w:            cmd.OutOrStdout(),
				pidPath:      paths.PIDPath,
				sockPath:     paths.SocketPath,
				portPath:     paths.PortPath,
				worktreesDir: ".worktrees",
				signalFn:     signalTerm,
				aliveFn:      IsProcessAlive,
				isTTY:        isStdinTTY,
				force:        force,
				timeout:      10 * time.Second,
			}

			return runCleanup(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the interactive terminal check")

	return cmd
}

// runCleanup performs best-effort cleanup of all loom state. Each step
// continues on error, reporting warnings. Returns nil even when individual
// steps had warnings.
func runCleanup(ctx context.Context, cfg *cleanupConfig) error {
	if !cfg.force && cfg.isTTY != nil && !cfg.isTTY() {
		return fmt.Errorf("loom cleanup requires an interactive terminal (stdin is not a TTY); use --force to override")
	}

	cleaned := false

	// 1. Stop the daemon if it is still running.
	if cleanupDaemon(ctx, cfg) {
		cleaned = true
	}

	// 2. Remove stale PID file.
	if cleanupStateFile(cfg, cfg.pidPath, "pid") {
		cleaned = true
	}

	// 3. Remove stale socket file.
	if cleanupStateFile(cfg, cfg.sockPath, "socket") {
		cleaned = true
	}

	// 4. Remove stale port file.
	if cleanupStateFile(cfg, cfg.portPath, "port") {
		cleaned = true
	}

	// 5. Prune git worktree records.
	cleanupWorktreePrune(cfg)

	// 6. Remove the .worktrees/ directory.
	if cleanupWorktreeDir(cfg) {
		cleaned = true
	}

	// 7. Delete agent/* branches.
	if cleanupAgentBranches(cfg) {
		cleaned = true
	}

	if !cleaned {
		fmt.Fprintln(cfg.w, "nothing to clean")
	}

	return nil
}

// cleanupDaemon signals the daemon process if running and waits for it to
// exit. Returns true if something was cleaned.
func cleanupDaemon(ctx context.Context, cfg *cleanupConfig) bool {
	pid, err := ReadPIDFile(cfg.pidPath)
	if err != nil {
		return false
	}

	if !cfg.aliveFn(pid) {
		// Process is dead, PID file is stale. Cleaned in step 2.
		return false
	}

	fmt.Fprintf(cfg.w, "stopping daemon (PID %d)\n", pid)
	if err := cfg.signalFn(pid); err != nil {
		fmt.Fprintf(cfg.w, "warning: signal daemon PID %d: %v\n", pid, err)
	}
	if err := waitForExit(ctx, pid, cfg.aliveFn, cfg.timeout); err != nil {
		fmt.Fprintf(cfg.w, "warning: %v\n", err)
	}
	return true
}

// cleanupStateFile removes one stale state file. Returns true if the file
// existed and removal was attempted.
func cleanupStateFile(cfg *cleanupConfig, path, label string) bool {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false
	}

	fmt.Fprintf(cfg.w, "removing stale %s file %s\n", label, path)
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(cfg.w, "warning: remove %s file: %v\n", label, err)
	}
	return true
}

// cleanupWorktreePrune runs git worktree prune.
func cleanupWorktreePrune(cfg *cleanupConfig) {
	if _, err := cfg.runner.Run("git", "worktree", "prune"); err != nil {
		fmt.Fprintf(cfg.w, "warning: git worktree prune: %v\n", err)
	}
}

// cleanupWorktreeDir force-removes the worktrees directory. Returns true if
// the directory was removed.
func cleanupWorktreeDir(cfg *cleanupConfig) bool {
	if _, err := os.Stat(cfg.worktreesDir); errors.Is(err, os.ErrNotExist) {
		return false
	}
	fmt.Fprintf(cfg.w, "removing %s/ directory\n", cfg.worktreesDir)
	if err := os.RemoveAll(cfg.worktreesDir); err != nil {
		fmt.Fprintf(cfg.w, "warning: remove %s/: %v\n", cfg.worktreesDir, err)
	}
	return true
}

// cleanupAgentBranches deletes local agent/* branches. Returns true if
// branches were deleted.
func cleanupAgentBranches(cfg *cleanupConfig) bool {
	out, err := cfg.runner.Run("git", "branch", "--list", "agent/*")
	if err != nil {
		fmt.Fprintf(cfg.w, "warning: list agent branches: %v\n", err)
		return false
	}

	branches := parseBranchNames(out)
	if len(branches) == 0 {
		return false
	}

	for _, branch := range branches {
		fmt.Fprintf(cfg.w, "deleting branch %s\n", branch)
		if _, err := cfg.runner.Run("git", "branch", "-D", branch); err != nil {
			fmt.Fprintf(cfg.w, "warning: delete branch %s: %v\n", branch, err)
		}
	}
	return true
}

// parseBranchNames parses branch names from git branch output (strips leading
// whitespace and the current-branch marker).
func parseBranchNames(output string) []string {
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "* ")
		if line == "" {
			continue
		}
		branches = append(branches, line)
	}
	return branches
}
