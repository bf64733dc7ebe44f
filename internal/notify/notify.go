// Package notify carries sync outcomes to interested sinks: the log, the
// dashboard, and tests.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/change"
	"github.com/drivesync/drivesync/internal/logging"
)

// Kind classifies an event.
type Kind string

const (
	// KindApplied means a record was reconciled.
	KindApplied Kind = "applied"
	// KindDropped means a record exhausted its attempts and was discarded.
	KindDropped Kind = "dropped"
	// KindSkipped means a record was outside the tracked tree.
	KindSkipped Kind = "skipped"
	// KindBootstrap marks the start and end of the initial checkout.
	KindBootstrap Kind = "bootstrap"
	// KindPass is emitted after every merge pass.
	KindPass Kind = "pass"
)

// Event describes one outcome.
type Event struct {
	Kind      Kind          `json:"kind"`
	Origin    change.Origin `json:"origin,omitempty"`
	ID        string        `json:"id,omitempty"`
	Path      string        `json:"path,omitempty"`
	Action    string        `json:"action,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notifier receives events. Implementations must not block for long; they
// are called from the merge pass.
type Notifier interface {
	Notify(ev Event)
}

// Func adapts a function to Notifier.
type Func func(ev Event)

func (f Func) Notify(ev Event) { f(ev) }

// Nop discards events.
var Nop Notifier = Func(func(Event) {})

type multi []Notifier

func (m multi) Notify(ev Event) {
	for _, n := range m {
		n.Notify(ev)
	}
}

// Multi fans an event out to every non-nil notifier.
func Multi(notifiers ...Notifier) Notifier {
	var out multi
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Log writes events to a zap logger. Dropped records log at error level.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logging.Named(logger, "notify")}
}

func (l *Log) Notify(ev Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("origin", string(ev.Origin)),
		zap.String("id", ev.ID),
		zap.String("path", ev.Path),
		zap.String("action", ev.Action),
	}
	switch ev.Kind {
	case KindDropped:
		l.logger.Error("Change dropped after retries",
			append(fields, zap.Int("attempts", ev.Attempts), zap.String("error", ev.Error))...)
	case KindSkipped:
		l.logger.Debug("Change skipped", fields...)
	case KindPass:
		l.logger.Debug("Merge pass complete", fields...)
	default:
		l.logger.Info("Change "+string(ev.Kind), fields...)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
