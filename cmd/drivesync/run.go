package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/engine"
	"github.com/drivesync/drivesync/internal/logging"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

On start the engine:
  1. Locks the state directory so only one instance runs
  2. Restores the tree index from the state store
  3. Reconciles the whole tree once (bootstrap checkout)
  4. Watches the local directory and polls the remote change feed
  5. Merges captured changes every sync.merge_interval

Ctrl+C stops capture, lets the merge pass wind down, and flushes state.`,
	Run: func(cmd *cobra.Command, args []string) {
		if dash, _ := cmd.Flags().GetBool("dashboard"); dash {
			cfg.Dashboard.Enabled = true
		}
		runEngine()
	},
}

func runEngine() {
	e, err := engine.New(engine.Options{Config: cfg, Logger: logging.L()})
	if err != nil {
		fatal("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("%s Syncing %s\n", renderAccent("⇅"), cfg.Local.Root)
	fmt.Printf("   State:  %s\n", cfg.State.DSN)
	fmt.Printf("   Remote: %s\n", cfg.Remote.Kind)
	if cfg.Dashboard.Enabled {
		fmt.Printf("   Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n", cfg.Dashboard.Port, cfg.Dashboard.Port)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	if err := e.Run(ctx); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("%s Stopped, state flushed\n", renderPass("✓"))
}

func init() {
	runCmd.Flags().Bool("dashboard", false, "serve the live dashboard")
	runCmd.Flags().IntP("port", "p", 8080, "dashboard port")
	rootCmd.AddCommand(runCmd)
}
