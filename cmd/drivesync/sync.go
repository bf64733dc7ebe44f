package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/engine"
	"github.com/drivesync/drivesync/internal/logging"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile once and exit",
	Long: `Reconcile the local directory and the drive once.

With --once (the default) this runs the bootstrap checkout, reads the remote
change feed, applies one merge pass and exits. Without it, sync behaves like
'drivesync run'.`,
	Run: func(cmd *cobra.Command, args []string) {
		if once, _ := cmd.Flags().GetBool("once"); !once {
			runEngine()
			return
		}

		e, err := engine.New(engine.Options{Config: cfg, Logger: logging.L()})
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s Syncing %s...\n", renderAccent("⇅"), cfg.Local.Root)
		start := time.Now()

		res, err := e.RunOnce(ctx)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s Sync complete in %v\n", renderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Applied: %d\n", res.Applied)
		fmt.Printf("   Skipped: %d\n", res.Skipped)
		if res.Dropped > 0 {
			fmt.Printf("   %s %d change(s) dropped after retries, see the log\n", renderWarn("Dropped:"), res.Dropped)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("once", true, "run a single reconciliation and exit")
	rootCmd.AddCommand(syncCmd)
}
