package main

import (
	"fmt"
	"strings"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

const maxDetailWidth = 80

// formatEventsTable renders event history, newest first.
func formatEventsTable(events []protocol.Event) string {
	if len(events) == 0 {
		return "no events\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-18s %-20s %s\n", "TIME", "TYPE", "CHUNK", "DETAIL")
	for _, ev := range events {
		fmt.Fprintf(&b, "%-19s %-18s %-20s %s\n",
			ev.CreatedAt, ev.Type, ev.ChunkID, truncateContent(ev.Detail, maxDetailWidth))
	}
	return b.String()
}

// newEventsCmd creates the "loom events" subcommand. It reads the event log
// straight from the database so history stays available while the daemon is
// down.
func newEventsCmd() *cobra.Command {
	var (
		chunkID   string
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent orchestrator events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := cliPaths()
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			events, err := reader.Query(cmd.Context(), eventlog.QueryOpts{
				ChunkID:   chunkID,
				EventType: eventType,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatEventsTable(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&chunkID, "chunk", "", "only events for this chunk")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")

	return cmd
}
