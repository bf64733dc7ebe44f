package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/engine"
	"github.com/drivesync/drivesync/internal/tree"
)

var treeCmd = &cobra.Command{
	Use:     "tree [path]",
	GroupID: "inspect",
	Short:   "Print the persisted tree index",
	Long: `Print the tree index as last persisted, optionally below one path.

Directories are listed before files. With --ids every entry shows its remote
id, and files also show their content fingerprint.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showIDs, _ := cmd.Flags().GetBool("ids")

		idx, _, err := engine.Inspect(cfg, nil)
		if err != nil {
			fatal("%v", err)
		}

		start := "."
		if len(args) == 1 {
			start = args[0]
		}
		top, err := idx.LookupByPath(start)
		if err != nil {
			fatal("%s: %v", start, err)
		}

		label := cfg.Local.Root
		if !top.IsRoot() {
			label = start
		}
		fmt.Println(renderDir(label))

		dirs, files := 0, 0
		printChildren(idx, top.Handle, "", showIDs, &dirs, &files)
		fmt.Printf("\n%s\n", renderMuted(fmt.Sprintf("%d directories, %d files", dirs, files)))
	},
}

func printChildren(idx *tree.Index, h tree.Handle, prefix string, showIDs bool, dirs, files *int) {
	children, err := idx.Children(h)
	if err != nil {
		return
	}
	sortEntries(children)

	for i, c := range children {
		branch, indent := "├── ", "│   "
		if i == len(children)-1 {
			branch, indent = "└── ", "    "
		}

		name := c.Name
		if c.IsDir {
			name = renderDir(name + "/")
			*dirs++
		} else {
			*files++
		}

		var details []string
		if showIDs {
			id := c.RemoteID
			if id == "" {
				id = renderWarn("not uploaded")
			}
			details = append(details, id)
			if !c.IsDir && c.Fingerprint != "" {
				details = append(details, c.Fingerprint)
			}
		}
		line := prefix + branch + name
		if len(details) > 0 {
			line += "  " + renderMuted(strings.Join(details, " "))
		}
		fmt.Println(line)

		if c.IsDir {
			printChildren(idx, c.Handle, prefix+indent, showIDs, dirs, files)
		}
	}
}

// sortEntries orders directories first, then by name.
func sortEntries(entries []tree.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
}

func init() {
	treeCmd.Flags().Bool("ids", false, "show remote ids and fingerprints")
	rootCmd.AddCommand(treeCmd)
}
