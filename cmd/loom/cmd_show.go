package main

import (
	"encoding/json"
	"fmt"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newShowCmd creates the "loom show" subcommand.
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <chunk-id>",
		Short: "Print the full record for one work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{
				Op:      protocol.OpShow,
				ChunkID: args[0],
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp.Unit, "", "  ")
			if err != nil {
				return fmt.Errorf("encode unit: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
