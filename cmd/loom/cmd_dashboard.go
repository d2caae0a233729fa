package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// dashboardURLFromPortFile reconstructs the dashboard URL from the port file
// the daemon writes next to its database. Used when the control socket is
// unreachable but a daemon may still be serving HTTP.
func dashboardURLFromPortFile(portPath string) (string, error) {
	raw, err := os.ReadFile(portPath) //nolint:gosec // port file path is controlled by the application
	if err != nil {
		return "", fmt.Errorf("read port file: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", fmt.Errorf("port file %s: %w", portPath, err)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

// newDashboardCmd creates the "loom dashboard" subcommand.
func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Print the dashboard URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := daemonRequest(cmd.Context(), protocol.Request{Op: protocol.OpDashboardURL})
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), resp.URL)
				return nil
			}

			paths, pathsErr := cliPaths()
			if pathsErr != nil {
				return pathsErr
			}
			url, fileErr := dashboardURLFromPortFile(paths.PortPath)
			if fileErr != nil {
				return fmt.Errorf("dashboard unavailable: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}
