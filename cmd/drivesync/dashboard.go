package main

import (
	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Run the sync engine with the live WebSocket dashboard",
	Long: `Run the sync engine with the dashboard enabled.

The dashboard broadcasts every sync event to connected WebSocket clients:
- event: one record applied, dropped or skipped, a merge pass, or a bootstrap step
- stats: running counters, sent on connect and after every merge pass

Endpoints:
  ws://localhost:8080/ws     live events
  /status                    engine status as JSON
  /events                    recent events as JSON
  /metrics                   Prometheus metrics
  /health                    liveness

Example usage:
  drivesync dashboard                 # default port 8080
  drivesync dashboard --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg.Dashboard.Enabled = true
		runEngine()
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
