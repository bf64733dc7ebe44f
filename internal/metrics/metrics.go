// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capture
	changesCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_changes_captured_total",
			Help: "Change records appended to a pending queue",
		},
		[]string{"origin"},
	)

	changesIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_changes_ignored_total",
			Help: "Change records suppressed by the ignore set",
		},
		[]string{"origin"},
	)

	// Reconciliation
	changesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_changes_applied_total",
			Help: "Change records reconciled",
		},
		[]string{"origin"},
	)

	changesRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_changes_retried_total",
			Help: "Failed handler attempts that will be retried",
		},
		[]string{"origin"},
	)

	changesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_changes_dropped_total",
			Help: "Change records discarded after exhausting attempts",
		},
		[]string{"origin"},
	)

	pendingChanges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drivesync_pending_changes",
			Help: "Records waiting in a pending queue",
		},
		[]string{"origin"},
	)

	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drivesync_merge_pass_duration_seconds",
			Help:    "Duration of one merge pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// State
	treeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivesync_tree_entries",
			Help: "Entries in the tree index",
		},
	)

	remoteCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivesync_remote_cursor",
			Help: "Last remote change id consumed",
		},
	)

	stateUnsynced = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivesync_state_unsynced",
			Help: "1 when the last state persist failed",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCaptured counts a record appended on origin.
func RecordCaptured(origin string) {
	changesCaptured.WithLabelValues(origin).Inc()
}

// RecordIgnored counts a record suppressed on origin.
func RecordIgnored(origin string) {
	changesIgnored.WithLabelValues(origin).Inc()
}

// RecordApplied counts a reconciled record.
func RecordApplied(origin string) {
	changesApplied.WithLabelValues(origin).Inc()
}

// RecordRetry counts a failed attempt that will be retried.
func RecordRetry(origin string) {
	changesRetried.WithLabelValues(origin).Inc()
}

// RecordDropped counts a discarded record.
func RecordDropped(origin string) {
	changesDropped.WithLabelValues(origin).Inc()
}

// SetPending sets the pending depth of origin.
func SetPending(origin string, n int) {
	pendingChanges.WithLabelValues(origin).Set(float64(n))
}

// RecordPass observes the duration of a merge pass.
func RecordPass(d time.Duration) {
	passDuration.Observe(d.Seconds())
}

// SetTreeEntries sets the tree index size.
func SetTreeEntries(n int) {
	treeEntries.Set(float64(n))
}

// SetCursor sets the remote cursor gauge.
func SetCursor(c int64) {
	remoteCursor.Set(float64(c))
}

// SetUnsynced sets the unsynced flag.
func SetUnsynced(unsynced bool) {
	if unsynced {
		stateUnsynced.Set(1)
		return
	}
	stateUnsynced.Set(0)
}
