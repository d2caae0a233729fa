package main

import (
	"context"
	"fmt"
	"os"

	"loom/pkg/agent"
	"loom/pkg/conflict"
	"loom/pkg/daemon"
	"loom/pkg/scheduler"
	"loom/pkg/store"
	"loom/pkg/worktree"

	"github.com/spf13/cobra"
)

// newDaemonCmd creates the hidden "loom daemon" subcommand: the foreground
// orchestrator process that `loom start` spawns.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "daemon",
		Short:  "Run the orchestrator in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd)
		},
	}
}

func runDaemon(cmd *cobra.Command) error {
	paths, err := cliPaths()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(paths.LoomDir, 0o700); err != nil {
		return fmt.Errorf("create state dir %s: %w", paths.LoomDir, err)
	}

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	shutdownCtx, cleanup := SetupSignalHandler(cmd.Context(), paths.PIDPath)
	defer cleanup()

	d, st, err := buildDaemon(shutdownCtx, paths)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	fmt.Fprintf(cmd.OutOrStdout(), "loom daemon running (PID %d)\n", os.Getpid())
	if err := d.Run(shutdownCtx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
	return nil
}

// buildDaemon constructs the daemon with all production dependencies. The
// caller owns the returned store and must close it.
func buildDaemon(ctx context.Context, paths daemon.Paths) (*daemon.Daemon, *store.Store, error) {
	cfg, err := daemon.LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(ctx, paths.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open state db: %w", err)
	}

	guardExe, err := os.Executable()
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("locate own binary: %w", err)
	}

	trees := worktree.NewManager(paths.RepoRoot, &worktree.ExecGitRunner{})
	oracle := conflict.New(conflict.NewDocsRefSource(paths.RefsDir(cfg)), st)
	backend := agent.NewClaudeBackendCommand(&agent.ExecCommandRunner{}, cfg.BackendCommand)
	runner := agent.NewRunner(agent.RunnerConfig{
		Backend:  backend,
		RepoRoot: paths.RepoRoot,
		LoomDir:  paths.LoomDir,
		DocsDir:  paths.RefsDir(cfg),
		Model:    cfg.Model,
		GuardExe: guardExe,
		Events:   st,
	})
	sched := scheduler.New(scheduler.Config{
		MaxAgents:  cfg.MaxAgents,
		RetryLimit: cfg.RetryLimit,
	}, st, trees, runner, oracle)

	return daemon.New(cfg, paths, sched, st, trees), st, nil
}
