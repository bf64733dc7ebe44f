package loadtest

import (
	"bytes"
	"context"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// TestNewFixture verifies the synthetic drive is checked out completely.
func TestNewFixture(t *testing.T) {
	f, err := NewFixture(Options{Files: 120, Fanout: 25})
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	defer f.Close()

	if len(f.Paths) != 120 {
		t.Errorf("Expected 120 files, got %d", len(f.Paths))
	}
	if len(f.Dirs) != 5 {
		t.Errorf("Expected 5 directories, got %d", len(f.Dirs))
	}
	if got := f.Tree.Len(); got != 125 {
		t.Errorf("Expected 125 index entries, got %d", got)
	}
	if f.Tree.Cursor() == 0 {
		t.Error("Expected a baseline cursor after bootstrap")
	}

	got, err := afero.ReadFile(f.Fs, path.Join(root, f.Paths[42]))
	if err != nil {
		t.Fatalf("Failed to read checked out file: %v", err)
	}
	if !bytes.Equal(got, fileContent(42, 0)) {
		t.Errorf("Unexpected content %q", got)
	}

	snap, err := f.Store.Load()
	if err != nil {
		t.Fatalf("Failed to load persisted state: %v", err)
	}
	if len(snap.Entries) != 125 {
		t.Errorf("Expected 125 persisted entries, got %d", len(snap.Entries))
	}

	t.Logf("Bootstrapped %d files in %v", len(f.Paths), f.Bootstrap)
}

// TestConcurrentLookups_Small verifies basic concurrent lookup functionality.
func TestConcurrentLookups_Small(t *testing.T) {
	f, err := NewFixture(Options{Files: 200})
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	defer f.Close()

	stats, err := f.RunConcurrentLookups(4, 250)
	if err != nil {
		t.Fatalf("Concurrent lookups failed: %v", err)
	}
	if stats.Operations != 1000 {
		t.Errorf("Expected 1000 operations, got %d", stats.Operations)
	}
	if stats.Errors != 0 {
		t.Errorf("Expected 0 errors, got %d", stats.Errors)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P99 || stats.P99 > stats.Max {
		t.Errorf("Percentiles out of order: %+v", stats)
	}

	var buf strings.Builder
	stats.Print(&buf)
	t.Logf("Lookup latency:\n%s", buf.String())
}

// TestRemoteEdits verifies a burst of remote edits lands locally in one pass.
func TestRemoteEdits(t *testing.T) {
	f, err := NewFixture(Options{Files: 100, Fanout: 20})
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	defer f.Close()

	ctx := context.Background()
	for round := 1; round <= 2; round++ {
		stats, err := f.RunRemoteEdits(ctx, 30, round)
		if err != nil {
			t.Fatalf("Round %d failed: %v", round, err)
		}
		if stats.Applied != 30 {
			t.Errorf("Round %d: expected 30 applied records, got %d", round, stats.Applied)
		}
		t.Logf("Round %d: poll %v, pass %v, %v per record", round, stats.Poll, stats.Pass, stats.PerRecord)
	}
}

// TestRemoteEdits_SQLite runs the merge load against a durable store.
func TestRemoteEdits_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping SQLite load test in short mode")
	}
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "state.db")
	f, err := NewFixture(Options{Files: 100, Fanout: 20, StateDSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	defer f.Close()

	stats, err := f.RunRemoteEdits(context.Background(), 10, 1)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if stats.Applied != 10 {
		t.Errorf("Expected 10 applied records, got %d", stats.Applied)
	}

	snap, err := f.Store.Load()
	if err != nil {
		t.Fatalf("Failed to load persisted state: %v", err)
	}
	if snap.Cursor != f.Tree.Cursor() {
		t.Errorf("Persisted cursor %d, index cursor %d", snap.Cursor, f.Tree.Cursor())
	}
}

// TestVerifyConsistency verifies readers never observe a torn path while a
// directory is being renamed.
func TestVerifyConsistency(t *testing.T) {
	f, err := NewFixture(Options{Files: 100, Fanout: 20})
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	defer f.Close()

	d := 500 * time.Millisecond
	if testing.Short() {
		d = 100 * time.Millisecond
	}
	if err := f.VerifyConsistency(4, d); err != nil {
		t.Fatalf("Consistency check failed: %v", err)
	}

	if _, err := f.Tree.LookupByPath(f.Paths[0]); err != nil {
		t.Errorf("Tree not restored after the check: %v", err)
	}
}

// TestComputeLatencyStats verifies the percentile calculation.
func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Unexpected bounds: min %v, max %v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("Expected P50 51ms, got %v", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("Expected P99 100ms, got %v", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Expected mean 50.5ms, got %v", stats.Mean)
	}
	if durations[0] != 100*time.Millisecond {
		t.Error("Input slice was reordered")
	}

	if empty := computeLatencyStats(nil); empty.Operations != 0 {
		t.Errorf("Expected empty stats, got %+v", empty)
	}
}
