package main

import (
	"fmt"
	"strings"
	"time"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

const maxReasonWidth = 60

// truncateContent shortens s to max runes, appending "..." when trimmed.
func truncateContent(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// formatAttentionTable renders the attention queue, highest priority first.
func formatAttentionTable(items []protocol.AttentionItem) string {
	if len(items) == 0 {
		return "attention queue is empty\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %-24s %-10s %s\n", "PRIORITY", "CHUNK", "WAIT", "REASON")
	for _, item := range items {
		wait := (time.Duration(item.WaitSeconds) * time.Second).String()
		fmt.Fprintf(&b, "%-9d %-24s %-10s %s\n",
			item.Priority, item.ChunkID, wait, truncateContent(item.Reason, maxReasonWidth))
	}
	return b.String()
}

// newAttentionCmd creates the "loom attention" subcommand.
func newAttentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attention",
		Short: "List units waiting on an operator, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{Op: protocol.OpAttention})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatAttentionTable(resp.Attention))
			return nil
		},
	}
}
