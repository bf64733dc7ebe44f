package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestMulti_FansOut verifies delivery to every sink and nil filtering.
func TestMulti_FansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	n := Multi(a, nil, b)

	n.Notify(Event{Kind: KindApplied, ID: "x"})
	n.Notify(Event{Kind: KindDropped, ID: "y"})

	assert.Len(t, a.Events(), 2)
	assert.Equal(t, 1, b.Count(KindDropped))
	assert.Same(t, a, Multi(a, nil))
}

// TestLog_DroppedAtErrorLevel verifies log levels per kind.
func TestLog_DroppedAtErrorLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLog(zap.New(core))

	n.Notify(Event{Kind: KindApplied, ID: "a"})
	n.Notify(Event{Kind: KindDropped, ID: "b", Attempts: 3, Error: "boom"})

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, int64(3), entries[1].ContextMap()["attempts"])
}

// TestFunc_Adapter verifies the function adapter and Nop.
func TestFunc_Adapter(t *testing.T) {
	var got Event
	Func(func(ev Event) { got = ev }).Notify(Event{Kind: KindSkipped})
	assert.Equal(t, KindSkipped, got.Kind)
	Nop.Notify(Event{})
}
