// Command drivesync keeps a local directory and a cloud drive in sync.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/logging"
)

var (
	configFile string

	// cfg is loaded before every command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "drivesync",
	Short: "Two-way sync between a local directory and a cloud drive",
	Long: `drivesync mirrors a local directory and a cloud drive in both directions.

Local changes are captured from filesystem notifications, remote changes from
the drive change feed. Both are merged on a fixed interval against a persisted
tree index, so a restart resumes where the last run stopped.

Configuration is read from drivesync.yaml or drivesync.toml, then DRIVESYNC_*
environment variables, then flags. Run 'drivesync config init' to start.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		file := configFile
		if cmd == configInitCmd {
			// init may be creating the file --config names
			if _, err := os.Stat(file); err != nil {
				file = ""
			}
		}
		loaded, err := config.Load(file, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		if err := logging.Init(cfg.Logging()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/drivesync/drivesync.{yaml,toml})")
	flags.String("root", "", "local directory to sync")
	flags.String("state", "", "state store DSN (sqlite://, file://, postgres://, memory://)")
	flags.String("state-dir", "", "directory for the lock file and default database")
	flags.String("remote", "", "remote kind: drive or memory")
	flags.String("log-level", "", "log level: debug, info, warn, error")
}

func main() {
	err := rootCmd.Execute()
	_ = logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]any{renderFail("Error:")}, args...)...)
	_ = logging.Sync()
	os.Exit(1)
}
