package cache

import "github.com/prometheus/client_golang/prometheus"

var lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gymsta",
	Subsystem: "following_cache",
	Name:      "operations_total",
	Help:      "Following cache lookups and invalidations by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(lookups)
}

func recordLookup(outcome string) {
	lookups.WithLabelValues(outcome).Inc()
}
