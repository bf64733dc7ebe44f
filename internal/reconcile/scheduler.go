package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/metrics"
	"github.com/drivesync/drivesync/internal/notify"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/tree"
)

// DefaultMergeInterval is the delay between the end of one pass and the start of the next.
const DefaultMergeInterval = 15 * time.Second

// ErrPassInProgress is returned by RunPass when another pass is running.
var ErrPassInProgress = errors.New("merge pass already in progress")

// Config configures a Scheduler.
type Config struct {
	// Root is the tracked local directory.
	Root   string
	Fs     afero.Fs
	Tree   *tree.Index
	Client remote.Client

	LocalQueue  *change.Queue[change.LocalPath]
	RemoteQueue *change.Queue[change.RemoteID]

	// Interval is the fixed delay between passes (default: 15s)
	Interval time.Duration

	// MaxAttempts per record before it is dropped (default: 3)
	MaxAttempts int

	Notifier notify.Notifier
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// PassResult summarizes one merge pass.
type PassResult struct {
	Applied  int
	Dropped  int
	Skipped  int
	Duration time.Duration
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	PendingLocal  int       `json:"pending_local"`
	PendingRemote int       `json:"pending_remote"`
	Passes        int       `json:"passes"`
	Applied       int       `json:"applied"`
	Dropped       int       `json:"dropped"`
	LastPass      time.Time `json:"last_pass,omitempty"`
}

// Scheduler runs merge passes one at a time.
type Scheduler struct {
	local       Handler[change.LocalPath]
	remote      Handler[change.RemoteID]
	localQueue  *change.Queue[change.LocalPath]
	remoteQueue *change.Queue[change.RemoteID]
	interval    time.Duration
	maxAttempts int
	notifier    notify.Notifier
	clock       clockwork.Clock
	logger      *zap.Logger

	passMu sync.Mutex

	statsMu sync.Mutex
	stats   Status
}

// NewScheduler creates a Scheduler with a LocalHandler and a RemoteHandler
// built from cfg.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("tree index is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.LocalQueue == nil || cfg.RemoteQueue == nil {
		return nil, fmt.Errorf("both change queues are required")
	}

	logger := logging.Named(cfg.Logger, "reconcile")
	s := newScheduler(cfg,
		NewLocalHandler(cfg.Root, cfg.Fs, cfg.Tree, cfg.Client, logger),
		NewRemoteHandler(cfg.Root, cfg.Fs, cfg.Tree, cfg.Client, logger),
	)
	return s, nil
}

func newScheduler(cfg Config, local Handler[change.LocalPath], rem Handler[change.RemoteID]) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMergeInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		local:       local,
		remote:      rem,
		localQueue:  cfg.LocalQueue,
		remoteQueue: cfg.RemoteQueue,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		notifier:    cfg.Notifier,
		clock:       cfg.Clock,
		logger:      logging.Named(cfg.Logger, "reconcile"),
	}
}

// Run runs a pass right away, then one interval after the end of each
// previous pass, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	for {
		if _, err := s.RunPass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Merge pass did not run", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
}

// RunPass applies a snapshot of the local queue, then a snapshot of the
// remote queue. Records appended during the pass wait for the next one.
// Only one pass runs at a time; a concurrent call returns ErrPassInProgress.
func (s *Scheduler) RunPass(ctx context.Context) (PassResult, error) {
	if !s.passMu.TryLock() {
		return PassResult{}, ErrPassInProgress
	}
	defer s.passMu.Unlock()

	start := s.clock.Now()
	var res PassResult

	runQueue(ctx, s, change.OriginLocal, s.localQueue, s.local, &res, func(out Outcome) {
		s.remoteQueue.Ignore(out.IgnoreRemote...)
	})
	if err := ctx.Err(); err != nil {
		return res, err
	}
	runQueue(ctx, s, change.OriginRemote, s.remoteQueue, s.remote, &res, func(out Outcome) {
		s.localQueue.Ignore(out.IgnoreLocal...)
	})
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Duration = s.clock.Since(start)
	pendingLocal, pendingRemote := s.localQueue.Len(), s.remoteQueue.Len()
	metrics.SetPending(string(change.OriginLocal), pendingLocal)
	metrics.SetPending(string(change.OriginRemote), pendingRemote)
	metrics.RecordPass(res.Duration)

	s.statsMu.Lock()
	s.stats.Passes++
	s.stats.Applied += res.Applied
	s.stats.Dropped += res.Dropped
	s.stats.LastPass = s.clock.Now()
	s.statsMu.Unlock()

	s.notifier.Notify(notify.Event{
		Kind:      notify.KindPass,
		Action:    fmt.Sprintf("applied=%d dropped=%d skipped=%d", res.Applied, res.Dropped, res.Skipped),
		Timestamp: s.clock.Now(),
	})
	if res.Applied > 0 || res.Dropped > 0 {
		s.logger.Info("Merge pass complete",
			zap.Int("applied", res.Applied),
			zap.Int("dropped", res.Dropped),
			zap.Duration("duration", res.Duration))
	}
	return res, nil
}

// runQueue applies every record of one snapshot in order. Each record is
// marked handled once, either after it applied or after its last attempt
// failed. On success ignore receives the outcome before the next record.
func runQueue[ID ~string](ctx context.Context, s *Scheduler, origin change.Origin, q *change.Queue[ID], h Handler[ID], res *PassResult, ignore func(Outcome)) {
	for _, r := range q.DrainSnapshot() {
		if ctx.Err() != nil {
			// remaining records stay pending for the next pass
			return
		}

		out, attempts, err := applyWithRetry(ctx, h, r, origin, s.maxAttempts, s.logger)
		if err != nil && ctx.Err() != nil {
			return
		}
		q.MarkHandled(r)

		if err != nil {
			res.Dropped++
			metrics.RecordDropped(string(origin))
			s.notifier.Notify(notify.Event{
				Kind:      notify.KindDropped,
				Origin:    origin,
				ID:        string(r.ID),
				Attempts:  attempts,
				Error:     err.Error(),
				Timestamp: s.clock.Now(),
			})
			continue
		}

		ignore(out)

		switch out.Action {
		case ActionNone:
		case ActionSkipped:
			res.Skipped++
			s.notifier.Notify(notify.Event{
				Kind:      notify.KindSkipped,
				Origin:    origin,
				ID:        string(r.ID),
				Action:    string(out.Action),
				Timestamp: s.clock.Now(),
			})
		default:
			res.Applied++
			metrics.RecordApplied(string(origin))
			s.notifier.Notify(notify.Event{
				Kind:      notify.KindApplied,
				Origin:    origin,
				ID:        string(r.ID),
				Path:      out.Path,
				Action:    string(out.Action),
				Attempts:  attempts,
				Timestamp: s.clock.Now(),
			})
		}
	}
}

// Status returns pending depths and counters.
func (s *Scheduler) Status() Status {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()
	st.PendingLocal = s.localQueue.Len()
	st.PendingRemote = s.remoteQueue.Len()
	return st
}
