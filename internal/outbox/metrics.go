package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "outbox",
		Name:      "changes_delivered_total",
		Help:      "Number of captured changes published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "outbox",
		Name:      "changes_failed_total",
		Help:      "Number of captured changes whose publish failed and will be retried.",
	})

	quarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "outbox",
		Name:      "changes_quarantined_total",
		Help:      "Number of captured changes quarantined after exhausting delivery attempts, labeled by table.",
	}, []string{"table"})

	backlogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gymsta",
		Subsystem: "outbox",
		Name:      "backlog_changes",
		Help:      "Unpublished changes by state.",
	}, []string{"state"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gymsta",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, quarantinedCounter, backlogGauge, batchDuration)
}
