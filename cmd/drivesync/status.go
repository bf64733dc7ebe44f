package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/engine"
	"github.com/drivesync/drivesync/internal/lockfile"
	"github.com/drivesync/drivesync/internal/syncerr"
)

type statusView struct {
	Root    string         `json:"root"`
	State   string         `json:"state"`
	Remote  string         `json:"remote"`
	Running bool           `json:"running"`
	Entries int            `json:"entries"`
	Cursor  int64          `json:"cursor"`
	Live    *engine.Status `json:"live,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show sync status",
	Long: `Display the persisted sync state.

Shows:
  - Local root, state store and remote kind
  - Whether an engine currently holds the state directory lock
  - Tree index entry count and remote change cursor
  - Live pending queues and pass counters when the dashboard is reachable`,
	Run: func(cmd *cobra.Command, args []string) {
		idx, desc, err := engine.Inspect(cfg, nil)
		if err != nil {
			fatal("%v", err)
		}

		view := statusView{
			Root:    cfg.Local.Root,
			State:   desc,
			Remote:  cfg.Remote.Kind,
			Running: engineRunning(),
			Entries: idx.Len(),
			Cursor:  idx.Cursor(),
		}
		if view.Running && cfg.Dashboard.Enabled {
			view.Live = fetchLiveStatus(cfg.Dashboard.Port)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(view); err != nil {
				fatal("%v", err)
			}
			return
		}

		running := renderMuted("stopped")
		if view.Running {
			running = renderPass("running")
		}

		fmt.Printf("\n%s drivesync status\n\n", renderAccent("⇅"))
		fmt.Println(renderField("Root", view.Root))
		fmt.Println(renderField("State", view.State))
		fmt.Println(renderField("Remote", view.Remote))
		fmt.Println(renderField("Engine", running))
		fmt.Println(renderField("Entries", strconv.Itoa(view.Entries)))
		fmt.Println(renderField("Cursor", strconv.FormatInt(view.Cursor, 10)))
		if live := view.Live; live != nil {
			fmt.Println(renderField("Pending", fmt.Sprintf("%d local, %d remote", live.Scheduler.PendingLocal, live.Scheduler.PendingRemote)))
			fmt.Println(renderField("Passes", strconv.Itoa(live.Scheduler.Passes)))
			dropped := strconv.Itoa(live.Scheduler.Dropped)
			if live.Scheduler.Dropped > 0 {
				dropped = renderWarn(dropped)
			}
			fmt.Println(renderField("Dropped", dropped))
			if live.Unsynced {
				fmt.Println(renderField("State", renderWarn("not persisted, retrying")))
			}
			if !live.Scheduler.LastPass.IsZero() {
				fmt.Println(renderField("Last pass", live.Scheduler.LastPass.Format("2006-01-02 15:04:05")))
			}
		}
		fmt.Println()
	},
}

// engineRunning probes the state directory lock.
func engineRunning() bool {
	l, err := lockfile.Acquire(cfg.State.Dir)
	if errors.Is(err, syncerr.ErrLocked) {
		return true
	}
	if err == nil {
		_ = l.Release()
	}
	return false
}

// fetchLiveStatus asks a running engine's dashboard for its status. It
// returns nil when the dashboard does not answer.
func fetchLiveStatus(port int) *engine.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%d/status", port), nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var body struct {
		Engine *engine.Status `json:"engine"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		return nil
	}
	return body.Engine
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}
