package reconcile

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/localfs"
	"github.com/drivesync/drivesync/internal/notify"
	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/remote/memdrive"
	"github.com/drivesync/drivesync/internal/syncerr"
	"github.com/drivesync/drivesync/internal/tree"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type schedEnv struct {
	*env
	localQ   *change.Queue[change.LocalPath]
	remoteQ  *change.Queue[change.RemoteID]
	recorder *notify.Recorder
	clock    fakeClock
	sched    *Scheduler
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	e := newEnv(t)
	clock := clockwork.NewFakeClock()
	se := &schedEnv{
		env:      e,
		localQ:   change.NewQueue[change.LocalPath](change.QueueConfig{Clock: clock}),
		remoteQ:  change.NewQueue[change.RemoteID](change.QueueConfig{Clock: clock}),
		recorder: &notify.Recorder{},
		clock:    clock,
	}
	s, err := NewScheduler(se.config())
	require.NoError(t, err)
	se.sched = s
	return se
}

func (se *schedEnv) config() Config {
	return Config{
		Root:        testRoot,
		Fs:          se.fs,
		Tree:        se.tree,
		Client:      se.drive,
		LocalQueue:  se.localQ,
		RemoteQueue: se.remoteQ,
		Interval:    time.Second,
		Notifier:    se.recorder,
		Clock:       se.clock,
	}
}

// stubHandler fails for the ids in fail and records every call.
type stubHandler[ID ~string] struct {
	mu    sync.Mutex
	calls []ID
	fail  map[ID]bool
	hook  func(r change.Record[ID])
	order *[]string
	name  string
}

func (h *stubHandler[ID]) Apply(ctx context.Context, r change.Record[ID]) (Outcome, error) {
	h.mu.Lock()
	h.calls = append(h.calls, r.ID)
	if h.order != nil {
		*h.order = append(*h.order, h.name+":"+string(r.ID))
	}
	fail := h.fail[r.ID]
	h.mu.Unlock()

	if h.hook != nil {
		h.hook(r)
	}
	if fail {
		return Outcome{}, syncerr.ErrRemoteUnavailable
	}
	return Outcome{Action: ActionCreated, Path: string(r.ID)}, nil
}

func (h *stubHandler[ID]) count(id ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == id {
			n++
		}
	}
	return n
}

// TestRunPass_NewLocalFile verifies one upload and suppression of the remote echo.
func TestRunPass_NewLocalFile(t *testing.T) {
	ctx := context.Background()
	se := newSchedEnv(t)
	fp := se.writeLocal(t, "a.txt", "hello")
	require.True(t, se.localQ.Append(fileRecord("a.txt", fp)))

	res, err := se.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, se.drive.Calls(memdrive.OpUpload))
	assert.Equal(t, 0, se.localQ.Len())

	entry, err := se.tree.LookupByPath("a.txt")
	require.NoError(t, err)
	require.NotEmpty(t, entry.RemoteID)
	assert.Equal(t, fp, entry.Fingerprint)

	// the poller sees our own upload
	echo := change.RemoteRecord{ID: change.RemoteID(entry.RemoteID), ParentID: remote.RootID, Title: "a.txt", Fingerprint: fp}
	assert.False(t, se.remoteQ.Append(echo))

	_, err = se.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, se.drive.Calls(memdrive.OpUpload))
	assert.Equal(t, 1, se.recorder.Count(notify.KindApplied))
}

// TestRunPass_RepeatedDirectoryEvent verifies that a second create event for
// a directory does not push it behind a child queued in between.
func TestRunPass_RepeatedDirectoryEvent(t *testing.T) {
	ctx := context.Background()
	se := newSchedEnv(t)
	fp := se.writeLocal(t, "a/b/c.txt", "nested")
	dir := func(rel string) change.LocalRecord {
		return change.LocalRecord{
			ID:       change.LocalPath(rel),
			ParentID: change.LocalPath(localfs.Parent(rel)),
			Title:    path.Base(rel),
			IsDir:    true,
		}
	}

	require.True(t, se.localQ.Append(dir("a")))
	require.True(t, se.localQ.Append(dir("a/b")))
	require.True(t, se.localQ.Append(fileRecord("a/b/c.txt", fp)))
	require.True(t, se.localQ.Append(dir("a/b")))

	res, err := se.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 0, res.Dropped)
	assert.Equal(t, 1, se.drive.Calls(memdrive.OpUpload))

	entry, err := se.tree.LookupByPath("a/b/c.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.RemoteID)
}

// TestRunPass_RemoteRename verifies that a remote rename is a single local rename.
func TestRunPass_RemoteRename(t *testing.T) {
	ctx := context.Background()
	se := newSchedEnv(t)
	f := se.drive.AddFile(remote.RootID, "old.txt", []byte("x"))
	_, err := se.tree.Upsert("old.txt", tree.Metadata{RemoteID: f.ID, Fingerprint: f.Fingerprint})
	require.NoError(t, err)
	se.writeLocal(t, "old.txt", "x")
	se.drive.ResetCalls()

	require.NoError(t, se.drive.Rename(f.ID, "new.txt"))
	renamed, _ := se.drive.Get(f.ID)
	require.True(t, se.remoteQ.Append(remoteRecord(renamed)))

	_, err = se.sched.RunPass(ctx)
	require.NoError(t, err)

	renames, removes := se.fs.counts()
	assert.Equal(t, 1, renames)
	assert.Equal(t, 0, removes)
	assert.Equal(t, 0, se.drive.Calls(memdrive.OpUpload))
	assert.Equal(t, 0, se.drive.Calls(memdrive.OpDelete))
	assert.Equal(t, 0, se.drive.Calls(memdrive.OpDownload))

	assert.Equal(t, "x", se.readLocal(t, "new.txt"))
	assert.False(t, localfs.Exists(se.fs, localfs.Abs(testRoot, "old.txt")))
	entry, err := se.tree.LookupByPath("new.txt")
	require.NoError(t, err)
	assert.Equal(t, f.ID, entry.RemoteID)

	// the watcher reports the rename as delete plus create
	assert.False(t, se.localQ.Append(change.LocalRecord{ID: "old.txt"}))
	assert.False(t, se.localQ.Append(fileRecord("new.txt", f.Fingerprint)))
}

// TestRunPass_ConflictingDeletion verifies that both sides deleting the same entity is not an error.
func TestRunPass_ConflictingDeletion(t *testing.T) {
	ctx := context.Background()
	se := newSchedEnv(t)
	f := se.drive.AddFile(remote.RootID, "x.txt", []byte("x"))
	_, err := se.tree.Upsert("x.txt", tree.Metadata{RemoteID: f.ID, Fingerprint: f.Fingerprint})
	require.NoError(t, err)
	require.NoError(t, se.drive.Remove(f.ID))

	require.True(t, se.localQ.Append(change.LocalRecord{ID: "x.txt"}))
	require.True(t, se.remoteQ.Append(change.RemoteRecord{ID: change.RemoteID(f.ID)}))

	res, err := se.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dropped)
	assert.Equal(t, 0, se.recorder.Count(notify.KindDropped))

	_, err = se.tree.LookupByID(f.ID)
	assert.True(t, errors.Is(err, syncerr.ErrNotFound))
	assert.Equal(t, 0, se.localQ.Len())
	assert.Equal(t, 0, se.remoteQ.Len())
}

// TestRunPass_RemoteDownloadSuppressesLocalEcho verifies the local ignore after a download.
func TestRunPass_RemoteDownloadSuppressesLocalEcho(t *testing.T) {
	ctx := context.Background()
	se := newSchedEnv(t)
	f := se.drive.AddFile(remote.RootID, "b.txt", []byte("remote"))
	require.True(t, se.remoteQ.Append(remoteRecord(f)))

	_, err := se.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote", se.readLocal(t, "b.txt"))

	assert.False(t, se.localQ.Append(fileRecord("b.txt", f.Fingerprint)))

	// the window expires
	se.clock.Advance(change.DefaultIgnoreWindow + time.Second)
	assert.True(t, se.localQ.Append(fileRecord("b.txt", f.Fingerprint)))
	_, err = se.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, se.drive.Calls(memdrive.OpUpload), "unchanged content is not uploaded back")
}

// TestRunPass_RetryBound verifies three attempts, one removal and no blocking of other records.
func TestRunPass_RetryBound(t *testing.T) {
	ctx := context.Background()
	se := newSchedEnv(t)
	local := &stubHandler[change.LocalPath]{fail: map[change.LocalPath]bool{"bad": true}}
	s := newScheduler(se.config(), local, &stubHandler[change.RemoteID]{})

	se.localQ.Append(change.LocalRecord{ID: "bad", ParentID: change.LocalRoot, Title: "bad"})
	se.localQ.Append(change.LocalRecord{ID: "good", ParentID: change.LocalRoot, Title: "good"})

	res, err := s.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, local.count("bad"))
	assert.Equal(t, 1, local.count("good"))
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, se.localQ.Len())

	events := se.recorder.Events()
	var dropped []notify.Event
	for _, ev := range events {
		if ev.Kind == notify.KindDropped {
			dropped = append(dropped, ev)
		}
	}
	require.Len(t, dropped, 1)
	assert.Equal(t, "bad", dropped[0].ID)
	assert.Equal(t, DefaultMaxAttempts, dropped[0].Attempts)

	_, err = s.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, local.count("bad"), "dropped records are not retried")
	assert.Equal(t, 1, s.Status().Dropped)
}

// TestRunPass_Snapshot verifies that records appended mid-pass wait for the next pass.
func TestRunPass_Snapshot(t *testing.T) {
	ctx := context.Background()
	se := newSchedEnv(t)
	local := &stubHandler[change.LocalPath]{}
	local.hook = func(r change.LocalRecord) {
		if r.ID == "first" {
			se.localQ.Append(change.LocalRecord{ID: "second", ParentID: change.LocalRoot, Title: "second"})
		}
	}
	s := newScheduler(se.config(), local, &stubHandler[change.RemoteID]{})

	se.localQ.Append(change.LocalRecord{ID: "first", ParentID: change.LocalRoot, Title: "first"})
	res, err := s.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, local.count("second"))
	assert.Equal(t, 1, s.Status().PendingLocal)

	res, err = s.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, local.count("second"))
}

// TestRunPass_LocalBeforeRemote verifies the order of the two queues.
func TestRunPass_LocalBeforeRemote(t *testing.T) {
	se := newSchedEnv(t)
	var order []string
	local := &stubHandler[change.LocalPath]{order: &order, name: "local"}
	rem := &stubHandler[change.RemoteID]{order: &order, name: "remote"}
	s := newScheduler(se.config(), local, rem)

	se.remoteQ.Append(change.RemoteRecord{ID: "r1", ParentID: remote.RootID, Title: "r1"})
	se.localQ.Append(change.LocalRecord{ID: "l1", ParentID: change.LocalRoot, Title: "l1"})
	se.localQ.Append(change.LocalRecord{ID: "l2", ParentID: change.LocalRoot, Title: "l2"})

	_, err := s.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"local:l1", "local:l2", "remote:r1"}, order)
}

// TestRunPass_SingleFlight verifies that passes never overlap.
func TestRunPass_SingleFlight(t *testing.T) {
	se := newSchedEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	local := &stubHandler[change.LocalPath]{hook: func(change.LocalRecord) {
		close(entered)
		<-release
	}}
	s := newScheduler(se.config(), local, &stubHandler[change.RemoteID]{})
	se.localQ.Append(change.LocalRecord{ID: "slow", ParentID: change.LocalRoot, Title: "slow"})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunPass(context.Background())
		done <- err
	}()
	<-entered

	_, err := s.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, local.count("slow"))
}

// TestRunPass_CancelledLeavesRecordsPending verifies that cancellation does not drop records.
func TestRunPass_CancelledLeavesRecordsPending(t *testing.T) {
	se := newSchedEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	local := &stubHandler[change.LocalPath]{hook: func(change.LocalRecord) { cancel() }}
	s := newScheduler(se.config(), local, &stubHandler[change.RemoteID]{})
	se.localQ.Append(change.LocalRecord{ID: "a", ParentID: change.LocalRoot, Title: "a"})
	se.localQ.Append(change.LocalRecord{ID: "b", ParentID: change.LocalRoot, Title: "b"})

	_, err := s.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, local.count("b"))
	assert.Equal(t, 1, se.localQ.Len(), "a applied, b still pending")
}

// TestRun_FixedDelay verifies that the first pass runs at once and the next
// one interval after it.
func TestRun_FixedDelay(t *testing.T) {
	se := newSchedEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- se.sched.Run(ctx) }()

	se.clock.BlockUntil(1)
	assert.Equal(t, 1, se.recorder.Count(notify.KindPass), "first pass does not wait")

	se.clock.Advance(time.Second / 2)
	assert.Equal(t, 1, se.recorder.Count(notify.KindPass))

	se.clock.Advance(time.Second / 2)
	assert.Eventually(t, func() bool { return se.recorder.Count(notify.KindPass) == 2 }, time.Second, 10*time.Millisecond)
	se.clock.BlockUntil(1)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestNewScheduler_Validation verifies required collaborators.
func TestNewScheduler_Validation(t *testing.T) {
	se := newSchedEnv(t)
	cfg := se.config()
	cfg.Tree = nil
	_, err := NewScheduler(cfg)
	assert.Error(t, err)

	cfg = se.config()
	cfg.RemoteQueue = nil
	_, err = NewScheduler(cfg)
	assert.Error(t, err)
}
