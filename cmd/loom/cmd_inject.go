package main

import (
	"fmt"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newInjectCmd creates the "loom inject" subcommand.
func newInjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inject <chunk-id>",
		Short: "Queue a chunk for execution",
		Long:  "Creates a work unit for the chunk and queues it READY.\nThe chunk's declared references are read from its document on each dispatch.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{
				Op:      protocol.OpInject,
				ChunkID: args[0],
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "injected %s (%s)\n", resp.Unit.ChunkID, resp.Unit.Status)
			return nil
		},
	}
}
