package main

import (
	"fmt"
	"strings"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newAnswerCmd creates the "loom answer" subcommand.
func newAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <chunk-id> <text>...",
		Short: "Answer a suspended agent's question",
		Long:  "Delivers the answer to a NEEDS_ATTENTION unit and resumes its agent session\nat the phase where the question was asked.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{
				Op:      protocol.OpAnswer,
				ChunkID: args[0],
				Text:    strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "answered %s, resuming at phase %s\n",
				resp.Unit.ChunkID, resp.Unit.Phase)
			return nil
		},
	}
}
