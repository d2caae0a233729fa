package main

import (
	"fmt"

	"loom/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Parallel agent orchestrator",
		Long:          "loom runs coding agents against independent chunks of work in parallel,\neach in its own git worktree, and serializes the merges back to the main branch.",
		Version:       fmt.Sprintf("loom %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newReadyCmd(),
		newInjectCmd(),
		newAnswerCmd(),
		newResolveCmd(),
		newAttentionCmd(),
		newShowCmd(),
		newDashboardCmd(),
		newEventsCmd(),
		newCleanupCmd(),
		newVersionCmd(),
		newDaemonCmd(),
		newGuardCmd(),
	)

	return cmd
}
