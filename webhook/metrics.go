package webhook

import "github.com/prometheus/client_golang/prometheus"

const namespace = "nanoform"

var (
	// deliveriesTotal counts deliveries by outcome: success, failure, dropped.
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// attemptsTotal counts individual HTTP attempts including retries.
	attemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "attempts_total",
			Help:      "Total number of webhook HTTP attempts",
		},
	)

	// queueDepth is the number of deliveries waiting in dispatcher queues.
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Number of webhook deliveries waiting to be sent",
		},
	)
)

// Collectors returns the webhook metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{deliveriesTotal, attemptsTotal, queueDepth}
}
