package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestHandler_ExposesEngineMetrics verifies that recorded values reach the scrape output.
func TestHandler_ExposesEngineMetrics(t *testing.T) {
	RecordCaptured("local")
	RecordApplied("remote")
	RecordDropped("remote")
	SetPending("local", 4)
	SetCursor(77)
	SetUnsynced(true)
	RecordPass(20 * time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`drivesync_changes_captured_total{origin="local"}`,
		`drivesync_changes_dropped_total{origin="remote"} 1`,
		`drivesync_pending_changes{origin="local"} 4`,
		`drivesync_remote_cursor 77`,
		`drivesync_state_unsynced 1`,
		`drivesync_merge_pass_duration_seconds_count 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

