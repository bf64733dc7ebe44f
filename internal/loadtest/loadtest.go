// Package loadtest exercises the sync core at scale.
//
// A Fixture is a synthetic drive of many files, bootstrapped into an
// in-memory local filesystem through the real bootstrap, capture and merge
// code. It measures tree index lookup latency under concurrent readers,
// merge throughput for bursts of remote edits, and checks that concurrent
// moves never expose a torn path.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/bootstrap"
	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/reconcile"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/remote/memdrive"
	"github.com/drivesync/drivesync/internal/state"
	"github.com/drivesync/drivesync/internal/tree"
	remotewatch "github.com/drivesync/drivesync/internal/watch/remote"
)

const root = "/loadtest"

// Options sizes a Fixture.
type Options struct {
	// Files is the number of files (default: 1000)
	Files int

	// Fanout is the number of files per directory (default: 50)
	Fanout int

	// StateDSN selects the store the index persists to (default: memory://).
	// Persisting after every mutation dominates bootstrap time for
	// durable stores.
	StateDSN string
}

// Fixture is a bootstrapped synthetic sync root.
type Fixture struct {
	Fs    afero.Fs
	Drive *memdrive.Drive
	Tree  *tree.Index
	Store state.Store

	// Paths are the root-relative file paths, Dirs the directories.
	Paths []string
	Dirs  []string

	// Bootstrap is how long the initial checkout took.
	Bootstrap time.Duration

	remoteQueue *change.Queue[change.RemoteID]
	poller      *remotewatch.Poller
	scheduler   *reconcile.Scheduler
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	Mean       time.Duration `json:"mean"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Operations int           `json:"operations"`
	Errors     int           `json:"errors"`
}

// MergeStats describes one burst of remote edits.
type MergeStats struct {
	Edits     int           `json:"edits"`
	Applied   int           `json:"applied"`
	Poll      time.Duration `json:"poll"`
	Pass      time.Duration `json:"pass"`
	PerRecord time.Duration `json:"per_record"`
}

// NewFixture populates a drive with opts.Files files and bootstraps it.
func NewFixture(opts Options) (*Fixture, error) {
	if opts.Files <= 0 {
		opts.Files = 1000
	}
	if opts.Fanout <= 0 {
		opts.Fanout = 50
	}
	if opts.StateDSN == "" {
		opts.StateDSN = "memory://"
	}

	f := &Fixture{
		Fs:    afero.NewMemMapFs(),
		Drive: memdrive.New(),
	}

	var dirID string
	for i := 0; i < opts.Files; i++ {
		if i%opts.Fanout == 0 {
			dir := fmt.Sprintf("dir-%03d", i/opts.Fanout)
			dirID = f.Drive.AddFolder(remote.RootID, dir).ID
			f.Dirs = append(f.Dirs, dir)
		}
		name := fmt.Sprintf("file-%05d.txt", i)
		f.Drive.AddFile(dirID, name, fileContent(i, 0))
		f.Paths = append(f.Paths, path.Join(f.Dirs[len(f.Dirs)-1], name))
	}

	store, err := state.OpenFs(opts.StateDSN, f.Fs)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	f.Store = store
	f.Tree = tree.New(tree.Config{Persister: store, Logger: zap.NewNop()})

	if err := f.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (f *Fixture) bootstrap() error {
	ctx := context.Background()
	logger := zap.NewNop()

	qcfg := change.QueueConfig{}
	localQueue := change.NewQueue[change.LocalPath](qcfg)
	f.remoteQueue = change.NewQueue[change.RemoteID](qcfg)

	head, err := f.Drive.CurrentCursor(ctx)
	if err != nil {
		return err
	}

	b, err := bootstrap.New(bootstrap.Config{
		Root:   root,
		Fs:     f.Fs,
		Tree:   f.Tree,
		Client: f.Drive,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	start := time.Now()
	res, err := b.Checkout(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	f.Bootstrap = time.Since(start)
	if res.Downloaded != len(f.Paths) {
		return fmt.Errorf("bootstrap downloaded %d of %d files", res.Downloaded, len(f.Paths))
	}
	if err := f.Tree.SetCursor(head); err != nil {
		return err
	}

	if f.poller, err = remotewatch.New(remotewatch.Config{
		Client: f.Drive,
		Tree:   f.Tree,
		Queue:  f.remoteQueue,
		Logger: logger,
	}); err != nil {
		return err
	}
	f.scheduler, err = reconcile.NewScheduler(reconcile.Config{
		Root:        root,
		Fs:          f.Fs,
		Tree:        f.Tree,
		Client:      f.Drive,
		LocalQueue:  localQueue,
		RemoteQueue: f.remoteQueue,
		Logger:      logger,
	})
	return err
}

// Close flushes the index and closes the store.
func (f *Fixture) Close() error {
	var err error
	if f.Tree != nil {
		err = f.Tree.Close()
	}
	if f.Store != nil {
		if cerr := f.Store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// RunConcurrentLookups runs readers goroutines that each resolve lookups
// random paths to entries and back to paths, recording each round trip.
func (f *Fixture) RunConcurrentLookups(readers, lookups int) (*LatencyStats, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		all    []time.Duration
		errors int
	)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			durations := make([]time.Duration, 0, lookups)
			failed := 0

			for i := 0; i < lookups; i++ {
				p := f.Paths[rng.Intn(len(f.Paths))]
				start := time.Now()
				e, err := f.Tree.LookupByPath(p)
				if err == nil {
					var got string
					got, err = f.Tree.FullPath(e.Handle)
					if err == nil && got != p {
						err = fmt.Errorf("path %s resolved to %s", p, got)
					}
				}
				durations = append(durations, time.Since(start))
				if err != nil {
					failed++
				}
			}

			mu.Lock()
			all = append(all, durations...)
			errors += failed
			mu.Unlock()
		}(int64(r) + 1)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no lookups completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errors
	return stats, nil
}

// RunRemoteEdits rewrites n random files on the drive, then polls the
// change feed and runs one merge pass. Every edited file must arrive
// locally with the new content.
func (f *Fixture) RunRemoteEdits(ctx context.Context, n int, round int) (*MergeStats, error) {
	if n > len(f.Paths) {
		n = len(f.Paths)
	}
	rng := rand.New(rand.NewSource(int64(round)))
	picked := rng.Perm(len(f.Paths))[:n]

	for _, i := range picked {
		e, err := f.Tree.LookupByPath(f.Paths[i])
		if err != nil {
			return nil, err
		}
		if err := f.Drive.Write(e.RemoteID, fileContent(i, round)); err != nil {
			return nil, err
		}
	}

	stats := &MergeStats{Edits: n}
	start := time.Now()
	if _, err := f.poller.PollOnce(ctx); err != nil {
		return nil, fmt.Errorf("poll failed: %w", err)
	}
	stats.Poll = time.Since(start)

	start = time.Now()
	res, err := f.scheduler.RunPass(ctx)
	if err != nil {
		return nil, fmt.Errorf("merge pass failed: %w", err)
	}
	stats.Pass = time.Since(start)
	stats.Applied = res.Applied
	if res.Applied > 0 {
		stats.PerRecord = stats.Pass / time.Duration(res.Applied)
	}

	for _, i := range picked {
		got, err := afero.ReadFile(f.Fs, path.Join(root, f.Paths[i]))
		if err != nil {
			return stats, err
		}
		if string(got) != string(fileContent(i, round)) {
			return stats, fmt.Errorf("%s has stale content after merge", f.Paths[i])
		}
	}
	return stats, nil
}

// VerifyConsistency renames the first directory back and forth while
// readers resolve files by remote id. A reader must always see the file
// under one of the two directory names, never a mix.
func (f *Fixture) VerifyConsistency(readers int, d time.Duration) error {
	dir := f.Dirs[0]
	alt := dir + "-moved"
	var ids, names []string
	for _, p := range f.Paths {
		if !strings.HasPrefix(p, dir+"/") {
			continue
		}
		e, err := f.Tree.LookupByPath(p)
		if err != nil {
			return err
		}
		ids = append(ids, e.RemoteID)
		names = append(names, path.Base(p))
	}

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, readers+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		from, to := dir, alt
		for ctx.Err() == nil {
			e, err := f.Tree.LookupByPath(from)
			if err == nil {
				err = f.Tree.Move(e.Handle, tree.RootHandle, to)
			}
			if err != nil {
				errs <- fmt.Errorf("move %s -> %s: %w", from, to, err)
				return
			}
			from, to = to, from
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				i := rng.Intn(len(ids))
				e, err := f.Tree.LookupByID(ids[i])
				if err != nil {
					errs <- fmt.Errorf("lookup %s: %w", ids[i], err)
					return
				}
				p, err := f.Tree.FullPath(e.Handle)
				if err != nil {
					errs <- fmt.Errorf("full path of %s: %w", ids[i], err)
					return
				}
				if p != dir+"/"+names[i] && p != alt+"/"+names[i] {
					errs <- fmt.Errorf("torn path %q for %s", p, ids[i])
					return
				}
			}
		}(int64(r) + 100)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	// leave the tree as it was
	if e, err := f.Tree.LookupByPath(alt); err == nil {
		return f.Tree.Move(e.Handle, tree.RootHandle, dir)
	}
	return nil
}

func fileContent(i, round int) []byte {
	return []byte(fmt.Sprintf("file %d revision %d\n", i, round))
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
	}
}

// Print writes the statistics in a fixed layout.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "  Operations:   %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
