package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drivesync/drivesync/internal/notify"
)

// StatsData contains the running counters since the dashboard started.
type StatsData struct {
	Applied   int       `json:"applied"`
	Dropped   int       `json:"dropped"`
	Skipped   int       `json:"skipped"`
	Passes    int       `json:"passes"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// Feed is the notify.Notifier side of the dashboard. It counts events,
// keeps the most recent ones for newly connected clients, and broadcasts
// each event as it arrives.
type Feed struct {
	server *Server

	mu     sync.Mutex
	stats  StatsData
	recent []notify.Event
	limit  int
}

var _ notify.Notifier = (*Feed)(nil)

func newFeed(server *Server, limit int) *Feed {
	return &Feed{server: server, limit: limit}
}

// Notify records ev and broadcasts it. Pass events also broadcast the
// updated counters.
func (f *Feed) Notify(ev notify.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	f.mu.Lock()
	switch ev.Kind {
	case notify.KindApplied:
		f.stats.Applied++
	case notify.KindDropped:
		f.stats.Dropped++
	case notify.KindSkipped:
		f.stats.Skipped++
	case notify.KindPass:
		f.stats.Passes++
	}
	f.stats.LastEvent = ev.Timestamp
	f.recent = append(f.recent, ev)
	if over := len(f.recent) - f.limit; over > 0 {
		f.recent = append(f.recent[:0:0], f.recent[over:]...)
	}
	stats := f.stats
	f.mu.Unlock()

	if msg, ok := f.message(MessageTypeEvent, ev.Timestamp, ev); ok {
		f.server.Broadcast(msg)
	}
	if ev.Kind == notify.KindPass {
		if msg, ok := f.message(MessageTypeStats, ev.Timestamp, stats); ok {
			f.server.Broadcast(msg)
		}
	}
}

// Stats returns the current counters.
func (f *Feed) Stats() StatsData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Recent returns the retained events, oldest first.
func (f *Feed) Recent() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.Event, len(f.recent))
	copy(out, f.recent)
	return out
}

// welcome is what a new client receives before live events: the counters
// followed by the retained history.
func (f *Feed) welcome() []Message {
	now := time.Now()
	msgs := make([]Message, 0, 1+f.limit)
	if msg, ok := f.message(MessageTypeStats, now, f.Stats()); ok {
		msgs = append(msgs, msg)
	}
	for _, ev := range f.Recent() {
		if msg, ok := f.message(MessageTypeEvent, ev.Timestamp, ev); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (f *Feed) message(typ MessageType, ts time.Time, v any) (Message, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		f.server.logger.Warn("Failed to marshal dashboard data", zap.String("type", string(typ)), zap.Error(err))
		return Message{}, false
	}
	return Message{Type: typ, Timestamp: ts, Data: data}, true
}
