package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/loadtest"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "inspect",
	Short:   "Measure index and merge performance on a synthetic drive",
	Long: `Run load benchmarks against an in-memory drive and local filesystem.

The benchmark checks out a synthetic drive with --files files, then measures:
  lookup  - path to entry to path round trips from --readers goroutines
  merge   - remote edits picked up by one poll and applied by one merge pass
  moves   - concurrent directory renames while readers resolve ids

Nothing outside the process is touched unless --store names a durable store.

Examples:
  # Default run (1000 files, 8 readers)
  drivesync bench

  # Larger tree, measured against SQLite persistence
  drivesync bench --files 10000 --store sqlite:///tmp/bench.db

  # Output results as JSON
  drivesync bench --json
`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("files", 1000, "number of files on the synthetic drive")
	benchCmd.Flags().Int("fanout", 50, "files per directory")
	benchCmd.Flags().Int("readers", 8, "concurrent lookup goroutines")
	benchCmd.Flags().Int("lookups", 1000, "lookups per reader")
	benchCmd.Flags().Int("edits", 100, "remote edits per merge round")
	benchCmd.Flags().Int("rounds", 3, "merge rounds")
	benchCmd.Flags().Duration("moves", 2*time.Second, "duration of the concurrent move check (0 to skip)")
	benchCmd.Flags().String("store", "memory://", "state store DSN the index persists to")
	benchCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

type benchResult struct {
	Files      int                    `json:"files"`
	Store      string                 `json:"store"`
	Bootstrap  time.Duration          `json:"bootstrap"`
	Lookups    *loadtest.LatencyStats `json:"lookups"`
	Merges     []*loadtest.MergeStats `json:"merges"`
	Consistent *bool                  `json:"consistent,omitempty"`
	HeapBefore uint64                 `json:"heap_before_bytes"`
	HeapAfter  uint64                 `json:"heap_after_bytes"`
}

func runBench(cmd *cobra.Command, args []string) {
	files, _ := cmd.Flags().GetInt("files")
	fanout, _ := cmd.Flags().GetInt("fanout")
	readers, _ := cmd.Flags().GetInt("readers")
	lookups, _ := cmd.Flags().GetInt("lookups")
	edits, _ := cmd.Flags().GetInt("edits")
	rounds, _ := cmd.Flags().GetInt("rounds")
	moves, _ := cmd.Flags().GetDuration("moves")
	store, _ := cmd.Flags().GetString("store")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if files <= 0 {
		fatal("--files must be positive")
	}
	if fanout <= 0 {
		fatal("--fanout must be positive")
	}
	if readers <= 0 || lookups <= 0 {
		fatal("--readers and --lookups must be positive")
	}
	if edits < 0 || rounds < 0 {
		fatal("--edits and --rounds must not be negative")
	}

	var mem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&mem)
	res := benchResult{Files: files, Store: store, HeapBefore: mem.HeapAlloc}

	if !jsonOutput {
		fmt.Printf("%s Checking out %d files (%d per directory) into memory...\n", renderAccent("▸"), files, fanout)
	}
	f, err := loadtest.NewFixture(loadtest.Options{Files: files, Fanout: fanout, StateDSN: store})
	if err != nil {
		fatal("%v", err)
	}
	defer f.Close()
	res.Bootstrap = f.Bootstrap

	if res.Lookups, err = f.RunConcurrentLookups(readers, lookups); err != nil {
		fatal("lookup benchmark failed: %v", err)
	}

	ctx := context.Background()
	for round := 1; round <= rounds && edits > 0; round++ {
		stats, err := f.RunRemoteEdits(ctx, edits, round)
		if err != nil {
			fatal("merge round %d failed: %v", round, err)
		}
		res.Merges = append(res.Merges, stats)
	}

	if moves > 0 {
		ok := true
		if err := f.VerifyConsistency(readers, moves); err != nil {
			ok = false
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Inconsistent:"), err)
			}
		}
		res.Consistent = &ok
	}

	runtime.ReadMemStats(&mem)
	res.HeapAfter = mem.HeapAlloc

	if jsonOutput {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fatal("encoding JSON: %v", err)
		}
		fmt.Println(string(data))
	} else {
		printBench(res)
	}

	if res.Lookups.Errors > 0 || (res.Consistent != nil && !*res.Consistent) {
		os.Exit(1)
	}
}

func printBench(res benchResult) {
	fmt.Printf("\n%s\n", renderAccent("Bootstrap"))
	fmt.Println(renderField("Duration", fmt.Sprintf("%v (%s)", res.Bootstrap.Round(time.Microsecond), res.Store)))

	fmt.Printf("\n%s\n", renderAccent("Lookup latency"))
	res.Lookups.Print(os.Stdout)

	if len(res.Merges) > 0 {
		fmt.Printf("\n%s\n", renderAccent("Merge rounds"))
		for i, m := range res.Merges {
			fmt.Printf("  #%d  %d edits, %d applied  poll %v  pass %v  (%v per record)\n",
				i+1, m.Edits, m.Applied, m.Poll.Round(time.Microsecond),
				m.Pass.Round(time.Microsecond), m.PerRecord.Round(time.Microsecond))
		}
	}

	if res.Consistent != nil {
		fmt.Println()
		if *res.Consistent {
			fmt.Printf("%s No torn paths under concurrent moves\n", renderPass("✓"))
		} else {
			fmt.Printf("%s Torn path observed under concurrent moves\n", renderFail("✗"))
		}
	}

	fmt.Printf("\n%s %.1f MiB -> %.1f MiB\n", renderMuted("Heap:"),
		float64(res.HeapBefore)/(1<<20), float64(res.HeapAfter)/(1<<20))
}
