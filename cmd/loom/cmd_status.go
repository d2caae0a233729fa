package main

import (
	"fmt"
	"strings"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// statusOrder is the display order for the counts table.
var statusOrder = []protocol.Status{
	protocol.StatusReady,
	protocol.StatusRunning,
	protocol.StatusBlocked,
	protocol.StatusNeedsAttention,
	protocol.StatusDone,
}

// formatStatusTable renders the counts-by-status summary.
func formatStatusTable(resp *protocol.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "agents %d/%d active\n\n", resp.ActiveAgents, resp.MaxAgents)
	for _, status := range statusOrder {
		fmt.Fprintf(&b, "%-16s %d\n", status, resp.Counts[string(status)])
	}
	return b.String()
}

// newStatusCmd creates the "loom status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show work unit counts and agent slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{Op: protocol.OpStatus})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStatusTable(resp))
			return nil
		},
	}
}
