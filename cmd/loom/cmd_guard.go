package main

import (
	"fmt"
	"io"

	"loom/pkg/agent"

	"github.com/spf13/cobra"
)

// newGuardCmd creates the hidden "loom guard" subcommand. The agent backend
// invokes it as a pre-execution hook: the hook payload arrives on stdin and
// the allow/deny decision leaves on stdout. Exit status is always zero; a
// non-zero exit would make the backend treat the hook itself as broken.
func newGuardCmd() *cobra.Command {
	var (
		chunkID         string
		worktree        string
		runDir          string
		captureQuestion bool
	)

	cmd := &cobra.Command{
		Use:    "guard",
		Short:  "Hook entry point for agent sandbox enforcement",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read hook payload: %w", err)
			}

			var decision []byte
			if captureQuestion {
				decision = agent.HandleQuestionHook(runDir, input)
			} else {
				if chunkID == "" || worktree == "" {
					return fmt.Errorf("guard requires --chunk and --worktree")
				}
				decision = agent.HandleBashHook(runDir, agent.Policy{
					ChunkID:  chunkID,
					Worktree: worktree,
				}, input)
			}

			if _, err := cmd.OutOrStdout().Write(decision); err != nil {
				return fmt.Errorf("write hook decision: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chunkID, "chunk", "", "chunk the hooked session works on")
	cmd.Flags().StringVar(&worktree, "worktree", "", "worktree the session is confined to")
	cmd.Flags().StringVar(&runDir, "run-dir", "", "per-execution scratch directory")
	cmd.Flags().BoolVar(&captureQuestion, "capture-question", false, "record an operator question instead of guarding a command")

	return cmd
}
