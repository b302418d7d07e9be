package changefeed

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "changefeed",
		Name:      "messages_processed_total",
		Help:      "Number of change messages successfully handled.",
	}, []string{"topic", "table"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "changefeed",
		Name:      "handler_errors_total",
		Help:      "Number of handler errors grouped by topic and table.",
	}, []string{"topic", "table"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gymsta",
		Subsystem: "changefeed",
		Name:      "decode_errors_total",
		Help:      "Number of decode failures per topic.",
	}, []string{"topic"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gymsta",
		Subsystem: "changefeed",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic"})

	liveChannelsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gymsta",
		Subsystem: "changefeed",
		Name:      "live_channels",
		Help:      "Channels currently consuming from Kafka.",
	})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, lastMessageGauge, liveChannelsGauge)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.Change.Table).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.Change.Table).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}
