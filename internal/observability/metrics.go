// Package observability exposes Prometheus collectors for the viewer session.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	loadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "feed",
		Name:      "loads_total",
		Help:      "Bulk loads of local collections grouped by collection and result.",
	}, []string{"collection", "result"})

	lastLoadGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gymsta",
		Subsystem: "feed",
		Name:      "last_load_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful load per collection.",
	}, []string{"collection"})

	changeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "feed",
		Name:      "changes_applied_total",
		Help:      "Change-feed events reconciled into local state, by table and action.",
	}, []string{"table", "action"})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gymsta",
		Subsystem: "feed",
		Name:      "pending_operations",
		Help:      "Optimistic like/unlike operations awaiting gateway confirmation.",
	})

	flagCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "feed",
		Name:      "flag_writes_total",
		Help:      "Remote flag writes grouped by result.",
	}, []string{"result"})

	activeSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gymsta",
		Subsystem: "subscription",
		Name:      "active_channels",
		Help:      "Live change-feed channels per subscription group.",
	}, []string{"group"})

	subscriptionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "subscription",
		Name:      "failures_total",
		Help:      "Subscribe attempts that failed, per group.",
	}, []string{"group"})
)

func init() {
	prometheus.MustRegister(loadCounter, lastLoadGauge, changeCounter, pendingGauge, flagCounter, activeSubscriptions, subscriptionFailures)
}

// RecordLoad counts a bulk load and moves the watermark on success.
func RecordLoad(collection string, err error, ts time.Time) {
	if err != nil {
		loadCounter.WithLabelValues(collection, "error").Inc()
		return
	}
	loadCounter.WithLabelValues(collection, "ok").Inc()
	if !ts.IsZero() {
		lastLoadGauge.WithLabelValues(collection).Set(float64(ts.Unix()))
	}
}

// RecordChange counts a reconciled change-feed event.
func RecordChange(table, action string) {
	changeCounter.WithLabelValues(table, action).Inc()
}

// SetPendingOperations reports the size of the pending-operation log.
func SetPendingOperations(n int) {
	pendingGauge.Set(float64(n))
}

// RecordFlag counts a remote flag write.
func RecordFlag(err error) {
	if err != nil {
		flagCounter.WithLabelValues("error").Inc()
		return
	}
	flagCounter.WithLabelValues("ok").Inc()
}

// SetActiveSubscriptions reports the live channels of a group.
func SetActiveSubscriptions(group string, n int) {
	activeSubscriptions.WithLabelValues(group).Set(float64(n))
}

// RecordSubscriptionFailure counts a failed subscribe attempt.
func RecordSubscriptionFailure(group string) {
	subscriptionFailures.WithLabelValues(group).Inc()
}

// LoadCount returns the current load counter value, used by tests.
func LoadCount(collection, result string) prometheus.Counter {
	return loadCounter.WithLabelValues(collection, result)
}

// ActiveSubscriptions returns the gauge for a group, used by tests.
func ActiveSubscriptions(group string) prometheus.Gauge {
	return activeSubscriptions.WithLabelValues(group)
}
