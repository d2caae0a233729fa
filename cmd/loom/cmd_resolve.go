package main

import (
	"fmt"
	"strings"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newResolveCmd creates the "loom resolve" subcommand.
func newResolveCmd() *cobra.Command {
	var (
		with    string
		verdict string
	)

	cmd := &cobra.Command{
		Use:   "resolve <chunk-id> --with <competing-chunk-id>",
		Short: "Resolve a detected conflict",
		Long:  "Applies a conflict verdict to a NEEDS_ATTENTION unit.\nSERIALIZE defers the unit behind its competitor; it re-queues when the competitor merges.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{
				Op:               protocol.OpResolve,
				ChunkID:          args[0],
				CompetingChunkID: with,
				Verdict:          protocol.Verdict(verdict),
			})
			if err != nil {
				return err
			}
			unit := resp.Unit
			if len(unit.BlockedBy) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s: %s, blocked on %s\n",
					unit.ChunkID, unit.Status, strings.Join(unit.BlockedBy, ", "))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s: %s\n", unit.ChunkID, unit.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&with, "with", "", "chunk the unit conflicts with")
	cmd.Flags().StringVar(&verdict, "verdict", string(protocol.VerdictSerialize), "conflict verdict to apply")
	_ = cmd.MarkFlagRequired("with")

	return cmd
}
