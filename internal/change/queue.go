package change

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DedupPolicy decides which pending records collapse into one.
type DedupPolicy int

const (
	// DedupLatestPerID keeps only the most recently appended record per id.
	DedupLatestPerID DedupPolicy = iota
	// DedupIdentity collapses records equal on (id, parentId, isDirectory),
	// so a move and a content edit of the same id stay distinct.
	DedupIdentity
)

// ParseDedupPolicy maps a configuration string to a policy.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch s {
	case "", "latest":
		return DedupLatestPerID, nil
	case "identity":
		return DedupIdentity, nil
	default:
		return 0, fmt.Errorf("unknown dedup policy %q (want latest or identity)", s)
	}
}

func (p DedupPolicy) String() string {
	switch p {
	case DedupLatestPerID:
		return "latest"
	case DedupIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

// DefaultIgnoreWindow is how long an ignored id suppresses new records.
const DefaultIgnoreWindow = 30 * time.Second

// QueueConfig configures a Queue.
type QueueConfig struct {
	Policy DedupPolicy

	// IgnoreWindow bounds how long Ignore suppresses an id (default: 30s).
	// A single write usually produces several notifications, so suppression
	// is time based rather than one-shot.
	IgnoreWindow time.Duration

	// Clock is used for ignore expiry (default: real clock).
	Clock clockwork.Clock
}

type pendingItem[ID ~string] struct {
	rec Record[ID]
	seq uint64
}

// Queue is the pending set of one capture side plus its ignore set.
//
// The capture loop appends, the scheduler drains a snapshot and marks
// records handled. Every method is atomic with respect to the others.
type Queue[ID ~string] struct {
	mu      sync.Mutex
	policy  DedupPolicy
	window  time.Duration
	clock   clockwork.Clock
	seq     uint64
	pending map[string]pendingItem[ID]
	ignored map[ID]time.Time
}

// NewQueue creates an empty queue.
func NewQueue[ID ~string](cfg QueueConfig) *Queue[ID] {
	if cfg.IgnoreWindow <= 0 {
		cfg.IgnoreWindow = DefaultIgnoreWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Queue[ID]{
		policy:  cfg.Policy,
		window:  cfg.IgnoreWindow,
		clock:   cfg.Clock,
		pending: make(map[string]pendingItem[ID]),
		ignored: make(map[ID]time.Time),
	}
}

func (q *Queue[ID]) key(r Record[ID]) string {
	if q.policy == DedupIdentity {
		return string(r.ID) + "\x00" + string(r.ParentID) + "\x00" + strconv.FormatBool(r.IsDir)
	}
	return string(r.ID)
}

// Append adds r to the pending set. A duplicate under the dedup policy is
// replaced in place: it keeps the position of the first append, so a
// repeated event for a directory never moves behind its children. It
// returns false when r's id is currently ignored.
func (q *Queue[ID]) Append(r Record[ID]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ignoredLocked(r.ID) {
		return false
	}

	k := q.key(r)
	if it, ok := q.pending[k]; ok {
		it.rec = r
		q.pending[k] = it
		return true
	}
	q.seq++
	q.pending[k] = pendingItem[ID]{rec: r, seq: q.seq}
	return true
}

// DrainSnapshot returns a copy of the pending records in append order.
// The pending set is left untouched; records leave it via MarkHandled.
func (q *Queue[ID]) DrainSnapshot() []Record[ID] {
	q.mu.Lock()
	items := make([]pendingItem[ID], 0, len(q.pending))
	for _, it := range q.pending {
		items = append(items, it)
	}
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	out := make([]Record[ID], len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	return out
}

// MarkHandled removes r from the pending set. A newer record that replaced r
// after the snapshot was taken is kept. It reports whether r was removed.
func (q *Queue[ID]) MarkHandled(r Record[ID]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := q.key(r)
	it, ok := q.pending[k]
	if !ok || it.rec != r {
		return false
	}
	delete(q.pending, k)
	return true
}

// Ignore suppresses new records for ids for the ignore window. It is how the
// opposite side reports writes the engine made itself.
func (q *Queue[ID]) Ignore(ids ...ID) {
	if len(ids) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	until := q.clock.Now().Add(q.window)
	for _, id := range ids {
		if id == "" {
			continue
		}
		q.ignored[id] = until
	}
}

// IsIgnored reports whether id is currently suppressed.
func (q *Queue[ID]) IsIgnored(id ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ignoredLocked(id)
}

func (q *Queue[ID]) ignoredLocked(id ID) bool {
	until, ok := q.ignored[id]
	if !ok {
		return false
	}
	if q.clock.Now().After(until) {
		delete(q.ignored, id)
		return false
	}
	return true
}

// Len returns the number of pending records.
func (q *Queue[ID]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PruneIgnored drops expired ignore entries and returns how many remain.
func (q *Queue[ID]) PruneIgnored() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for id, until := range q.ignored {
		if now.After(until) {
			delete(q.ignored, id)
		}
	}
	return len(q.ignored)
}
