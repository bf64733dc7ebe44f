// Package remote polls the remote change feed and queues remote change records.
//
// The cursor lives in the tree index so it is persisted in the same snapshot
// as the entries it describes.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/logging"
	"github.com/drivesync/drivesync/internal/metrics"
	client "github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/tree"
)

// DefaultPollInterval is the delay between two polls.
const DefaultPollInterval = 10 * time.Second

// Config configures a Poller.
type Config struct {
	Client client.Client
	Tree   *tree.Index

	// Queue receives the records (default: a new queue).
	Queue *change.Queue[change.RemoteID]

	// PollInterval is the delay after each poll (default: 10s)
	PollInterval time.Duration

	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Poller reads the change feed from the persisted cursor.
type Poller struct {
	client   client.Client
	tree     *tree.Index
	queue    *change.Queue[change.RemoteID]
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	// serializes PollOnce so the cursor is only advanced by one poll at a time
	pollMu sync.Mutex
}

// New creates a Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if cfg.Tree == nil {
		return nil, fmt.Errorf("tree index is required")
	}
	if cfg.Queue == nil {
		cfg.Queue = change.NewQueue[change.RemoteID](change.QueueConfig{})
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Poller{
		client:   cfg.Client,
		tree:     cfg.Tree,
		queue:    cfg.Queue,
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
		logger:   logging.Named(cfg.Logger, "watch.remote"),
	}, nil
}

// Queue returns the pending set filled by the poller.
func (p *Poller) Queue() *change.Queue[change.RemoteID] {
	return p.queue
}

// Run polls immediately and then after every interval until ctx is done.
// Poll failures are logged and polling continues.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Remote capture started", zap.Duration("interval", p.interval))

	for {
		if n, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("Failed to poll remote changes", zap.Error(err))
		} else if n > 0 {
			p.logger.Debug("Polled remote changes", zap.Int("queued", n), zap.Int64("cursor", p.tree.Cursor()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.interval):
		}
	}
}

// PollOnce reads every page after the cursor and returns how many records
// were queued. An uninitialized cursor is set to the feed head instead, so
// existing remote state is not replayed as changes. The cursor is advanced
// after each page has been queued, never before.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	cursor := p.tree.Cursor()
	if cursor == 0 {
		head, err := p.client.CurrentCursor(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read feed head: %w", err)
		}
		if err := p.tree.SetCursor(head); err != nil {
			return 0, err
		}
		metrics.SetCursor(head)
		p.logger.Info("Remote cursor initialized", zap.Int64("cursor", head))
		return 0, nil
	}

	queued := 0
	token := ""
	for {
		page, err := p.client.ChangesSince(ctx, cursor, token)
		if err != nil {
			return queued, fmt.Errorf("failed to read changes since %d: %w", cursor, err)
		}

		for _, entry := range page.Entries {
			if p.queue.Append(ToRecord(entry)) {
				queued++
				metrics.RecordCaptured(string(change.OriginRemote))
			} else {
				metrics.RecordIgnored(string(change.OriginRemote))
			}
		}

		if err := p.tree.SetCursor(page.LargestChangeID); err != nil {
			return queued, err
		}
		metrics.SetCursor(p.tree.Cursor())

		if page.NextPageToken == "" {
			return queued, nil
		}
		token = page.NextPageToken
	}
}

// ToRecord converts a feed entry into a remote change record. A deletion
// carries no type; handlers take it from the tree.
func ToRecord(entry client.ChangeEntry) change.RemoteRecord {
	if entry.Deleted {
		return change.RemoteRecord{ID: change.RemoteID(entry.FileID)}
	}
	f := entry.File
	id := f.ID
	if id == "" {
		id = entry.FileID
	}
	return change.RemoteRecord{
		ID:          change.RemoteID(id),
		ParentID:    change.RemoteID(f.ParentID),
		Title:       f.Title,
		IsDir:       f.IsDir,
		Fingerprint: f.Fingerprint,
	}
}
