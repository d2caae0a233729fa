package main

import (
	"fmt"
	"strings"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// formatReadyTable renders the READY queue in dispatch order.
func formatReadyTable(units []protocol.WorkUnit) string {
	if len(units) == 0 {
		return "no READY units\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-8s %s\n", "CHUNK", "RETRIES", "CREATED")
	for _, u := range units {
		fmt.Fprintf(&b, "%-24s %-8d %s\n",
			u.ChunkID, u.RetryCount, u.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// newReadyCmd creates the "loom ready" subcommand.
func newReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List READY units in dispatch order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{Op: protocol.OpReady})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatReadyTable(resp.Units))
			return nil
		},
	}
}
