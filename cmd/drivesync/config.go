package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or show the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented configuration file",
	Long: `Write the effective configuration as a commented TOML file.

The default location is $XDG_CONFIG_HOME/drivesync/drivesync.toml. Values
given as flags or DRIVESYNC_* variables are written too, so

  drivesync config init --root ~/Drive

produces a ready-to-run file.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := configFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			dir, err := os.UserConfigDir()
			if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
				dir, err = xdg, nil
			}
			if err != nil {
				fatal("cannot determine config directory: %v", err)
			}
			path = filepath.Join(dir, "drivesync", "drivesync.toml")
		}

		if err := config.InitFile(path, cfg, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", renderPass("✓"), path)
		if cfg.Local.Root == "" {
			fmt.Printf("   %s set local.root before running 'drivesync run'\n", renderWarn("Next:"))
		}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Run: func(cmd *cobra.Command, args []string) {
		out, err := cfg.YAML()
		if err != nil {
			fatal("%v", err)
		}
		if src := cfg.Source(); src != "" {
			fmt.Println(renderMuted("# from " + src))
		}
		fmt.Print(string(out))
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\n%s %v\n", renderWarn("Invalid:"), err)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
