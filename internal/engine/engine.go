// Package engine wires the sync components together and owns their
// lifecycle.
//
// Start takes the state directory lock, restores the tree index from the
// state store, runs the bootstrap checkout, then starts local capture,
// remote capture and the merge scheduler. Stop reverses that: capture
// stops first, then the scheduler, then the index is flushed and closed,
// and only then are the store and the lock released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drivesync/drivesync/internal/bootstrap"
	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/dashboard"
	"github.com/drivesync/drivesync/internal/lockfile"
	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/metrics"
	"github.com/drivesync/drivesync/internal/notify"
	"github.com/drivesync/drivesync/internal/reconcile"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/remote/drive"
	"github.com/drivesync/drivesync/internal/remote/memdrive"
	"github.com/drivesync/drivesync/internal/state"
	"github.com/drivesync/drivesync/internal/tree"
	"github.com/drivesync/drivesync/internal/watch/local"
	remotewatch "github.com/drivesync/drivesync/internal/watch/remote"
)

// Options supplies the configuration plus optional collaborators. Any
// collaborator left nil is built from Config.
type Options struct {
	Config *config.Config

	// Fs is the local filesystem (default: OS filesystem). Local capture
	// always watches the real filesystem.
	Fs afero.Fs

	// Client replaces the remote selected by remote.kind.
	Client remote.Client

	// Store replaces the store selected by state.dsn.
	Store state.Store

	// Notifier receives every event in addition to the log.
	Notifier notify.Notifier

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Status is a point-in-time view of the engine.
type Status struct {
	Root      string           `json:"root"`
	State     string           `json:"state"`
	Remote    string           `json:"remote"`
	Running   bool             `json:"running"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	Entries   int              `json:"entries"`
	Cursor    int64            `json:"cursor"`
	Unsynced  bool             `json:"unsynced"`
	Watches   int              `json:"watches"`
	Bootstrap bootstrap.Result `json:"bootstrap"`
	Scheduler reconcile.Status `json:"scheduler"`
}

// Engine is one sync process for one local root.
type Engine struct {
	cfg    *config.Config
	opts   Options
	fs     afero.Fs
	clock  clockwork.Clock
	logger *zap.Logger

	// mu serializes Start, Stop and RunOnce.
	mu   sync.Mutex
	sess *session

	// view is what Status reads without taking mu.
	view atomic.Pointer[session]
}

// session holds everything opened for one run of the engine.
type session struct {
	lock        *lockfile.Lock
	store       state.Store
	tree        *tree.Index
	client      remote.Client
	localQueue  *change.Queue[change.LocalPath]
	remoteQueue *change.Queue[change.RemoteID]
	notifier    notify.Notifier
	dash        *dashboard.Server
	boot        bootstrap.Result
	poller      *remotewatch.Poller
	scheduler   *reconcile.Scheduler

	// set by Start only
	watcher       *local.Watcher
	startedAt     time.Time
	stopCapture   context.CancelFunc
	stopScheduler context.CancelFunc
	capture       *errgroup.Group
	merge         *errgroup.Group
}

// New validates the configuration. Nothing is opened until Start or RunOnce.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Engine{
		cfg:    opts.Config,
		opts:   opts,
		fs:     opts.Fs,
		clock:  opts.Clock,
		logger: logging.Named(opts.Logger, "engine"),
	}, nil
}

// open acquires the lock, restores state, connects the remote and runs the
// bootstrap checkout. On failure everything acquired so far is released.
func (e *Engine) open(ctx context.Context) (_ *session, err error) {
	if e.sess != nil {
		return nil, fmt.Errorf("engine already started")
	}
	s := &session{}
	defer func() {
		if err != nil {
			_ = s.release()
		}
	}()

	s.lock, err = lockfile.Acquire(e.cfg.State.Dir)
	if err != nil {
		return nil, err
	}

	s.store = e.opts.Store
	if s.store == nil {
		if s.store, err = state.OpenFs(e.cfg.State.DSN, e.fs); err != nil {
			return nil, fmt.Errorf("failed to open state: %w", err)
		}
	}
	snap, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", s.store, err)
	}
	s.tree, err = tree.Restore(snap, tree.Config{Persister: s.store, Logger: e.opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to restore tree index: %w", err)
	}
	metrics.SetTreeEntries(s.tree.Len())
	metrics.SetCursor(s.tree.Cursor())
	e.logger.Info("State loaded",
		zap.String("state", s.store.String()),
		zap.Int("entries", s.tree.Len()),
		zap.Int64("cursor", s.tree.Cursor()))

	if s.client, err = e.remoteClient(); err != nil {
		return nil, err
	}

	policy, err := e.cfg.DedupPolicy()
	if err != nil {
		return nil, err
	}
	qcfg := change.QueueConfig{Policy: policy, IgnoreWindow: e.cfg.Sync.IgnoreWindow, Clock: e.clock}
	s.localQueue = change.NewQueue[change.LocalPath](qcfg)
	s.remoteQueue = change.NewQueue[change.RemoteID](qcfg)

	sinks := []notify.Notifier{notify.NewLog(e.opts.Logger), notify.Func(func(ev notify.Event) { e.afterPass(s, ev) })}
	if e.opts.Notifier != nil {
		sinks = append(sinks, e.opts.Notifier)
	}
	if e.cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(dashboard.Config{
			Port:   e.cfg.Dashboard.Port,
			Status: func() any { return e.Status() },
			Logger: e.opts.Logger,
		})
		if err := dash.Start(); err != nil {
			return nil, err
		}
		s.dash = dash
		sinks = append(sinks, dash.Feed())
	}
	s.notifier = notify.Multi(sinks...)

	if err := e.fs.MkdirAll(e.cfg.Local.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %w", e.cfg.Local.Root, err)
	}

	// the feed head is read before the checkout so changes made by others
	// while it runs are still polled afterwards
	var head int64
	if s.tree.Cursor() == 0 {
		if head, err = s.client.CurrentCursor(ctx); err != nil {
			return nil, fmt.Errorf("failed to read remote cursor: %w", err)
		}
	}

	b, err := bootstrap.New(bootstrap.Config{
		Root:          e.cfg.Local.Root,
		Fs:            e.fs,
		Tree:          s.tree,
		Client:        s.client,
		LocalQueue:    s.localQueue,
		RemoteQueue:   s.remoteQueue,
		IncludeHidden: e.cfg.Local.IncludeHidden,
		Notifier:      s.notifier,
		Clock:         e.clock,
		Logger:        e.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if s.boot, err = b.Checkout(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap failed: %w", err)
	}
	if head > 0 {
		if err := s.tree.SetCursor(head); err != nil {
			return nil, err
		}
	}

	if s.poller, err = remotewatch.New(remotewatch.Config{
		Client:       s.client,
		Tree:         s.tree,
		Queue:        s.remoteQueue,
		PollInterval: e.cfg.Sync.PollInterval,
		Clock:        e.clock,
		Logger:       e.opts.Logger,
	}); err != nil {
		return nil, err
	}

	if s.scheduler, err = reconcile.NewScheduler(reconcile.Config{
		Root:        e.cfg.Local.Root,
		Fs:          e.fs,
		Tree:        s.tree,
		Client:      s.client,
		LocalQueue:  s.localQueue,
		RemoteQueue: s.remoteQueue,
		Interval:    e.cfg.Sync.MergeInterval,
		MaxAttempts: e.cfg.Sync.MaxAttempts,
		Notifier:    s.notifier,
		Clock:       e.clock,
		Logger:      e.opts.Logger,
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (e *Engine) remoteClient() (remote.Client, error) {
	if e.opts.Client != nil {
		return e.opts.Client, nil
	}
	switch e.cfg.Remote.Kind {
	case config.RemoteMemory:
		e.logger.Warn("Using in-memory remote, nothing leaves this process")
		return memdrive.New(), nil
	default:
		c, err := drive.New(drive.Config{
			BaseURL:       e.cfg.Remote.BaseURL,
			Token:         e.cfg.Remote.Token,
			MaxRetries:    e.cfg.Remote.MaxRetries,
			RetryStep:     e.cfg.Remote.RetryStep,
			TimeoutBudget: e.cfg.Remote.TimeoutBudget,
			Clock:         e.clock,
			Logger:        e.opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create drive client: %w", err)
		}
		return c, nil
	}
}

// afterPass refreshes gauges and retries a failed persist once per pass.
func (e *Engine) afterPass(s *session, ev notify.Event) {
	if ev.Kind != notify.KindPass {
		return
	}
	if s.tree.Unsynced() {
		if err := s.tree.Flush(); err != nil {
			e.logger.Warn("State still not persisted", zap.Error(err))
		}
	}
	metrics.SetTreeEntries(s.tree.Len())
	metrics.SetUnsynced(s.tree.Unsynced())
}

// Start opens the engine and launches capture and the scheduler. It
// returns once everything runs; ctx bounds the bootstrap only.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.open(ctx)
	if err != nil {
		return err
	}

	watcher, err := local.New(local.Config{
		Root:          e.cfg.Local.Root,
		Fs:            e.fs,
		Tree:          s.tree,
		Queue:         s.localQueue,
		IncludeHidden: e.cfg.Local.IncludeHidden,
		Logger:        e.opts.Logger,
	})
	if err != nil {
		_ = s.release()
		return err
	}
	if err := watcher.Start(); err != nil {
		_ = s.release()
		return fmt.Errorf("failed to start local capture: %w", err)
	}
	s.watcher = watcher

	captureCtx, stopCapture := context.WithCancel(context.Background())
	s.stopCapture = stopCapture
	s.capture = &errgroup.Group{}
	s.capture.Go(func() error { return s.poller.Run(captureCtx) })
	s.capture.Go(func() error {
		for err := range watcher.Errors() {
			e.logger.Debug("Local capture error", zap.Error(err))
		}
		return nil
	})

	mergeCtx, stopScheduler := context.WithCancel(context.Background())
	s.stopScheduler = stopScheduler
	s.merge = &errgroup.Group{}
	s.merge.Go(func() error { return s.scheduler.Run(mergeCtx) })

	s.startedAt = e.clock.Now()
	e.sess = s
	e.view.Store(s)
	e.logger.Info("Sync engine started",
		zap.String("root", e.cfg.Local.Root),
		zap.Duration("merge_interval", e.cfg.Sync.MergeInterval),
		zap.Duration("poll_interval", e.cfg.Sync.PollInterval))
	return nil
}

// Stop shuts down in order: capture, scheduler, index flush, store, lock.
// The returned error joins every failure; every step still runs.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.sess
	if s == nil {
		return nil
	}
	e.sess = nil
	e.view.Store(nil)

	var errs []error
	if err := s.watcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.stopCapture()
	if err := s.capture.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}

	// an in-flight pass is interrupted; its unfinished records stay queued
	// and are recaptured or rebootstrapped on the next start
	s.stopScheduler()
	if err := s.merge.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}

	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("Sync engine stopped")
	return errors.Join(errs...)
}

// release closes the index, the store, the dashboard and the lock, in
// that order, skipping whatever was never opened.
func (s *session) release() error {
	var errs []error
	if s.tree != nil {
		if err := s.tree.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush state: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.dash != nil {
		if err := s.dash.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run starts the engine and blocks until ctx is done, then stops it.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

// RunOnce bootstraps, polls the remote feed once, runs one merge pass and
// closes everything again.
func (e *Engine) RunOnce(ctx context.Context) (reconcile.PassResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.open(ctx)
	if err != nil {
		return reconcile.PassResult{}, err
	}
	e.view.Store(s)
	defer e.view.Store(nil)

	var res reconcile.PassResult
	if _, err = s.poller.PollOnce(ctx); err == nil {
		res, err = s.scheduler.RunPass(ctx)
	}
	if rerr := s.release(); err == nil {
		err = rerr
	}
	return res, err
}

// Status reports the live state. It never blocks on Start or Stop.
func (e *Engine) Status() Status {
	st := Status{
		Root:   e.cfg.Local.Root,
		Remote: e.cfg.Remote.Kind,
	}
	s := e.view.Load()
	if s == nil {
		return st
	}

	st.State = s.store.String()
	st.Entries = s.tree.Len()
	st.Cursor = s.tree.Cursor()
	st.Unsynced = s.tree.Unsynced()
	st.Bootstrap = s.boot
	st.Scheduler = s.scheduler.Status()
	if s.watcher != nil {
		st.Running = true
		st.StartedAt = s.startedAt
		st.Watches = s.watcher.WatchCount()
	}
	return st
}

// Tree returns the live index, or nil when the engine is not running.
func (e *Engine) Tree() *tree.Index {
	if s := e.view.Load(); s != nil {
		return s.tree
	}
	return nil
}
