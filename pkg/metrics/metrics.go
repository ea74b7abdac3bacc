package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Messages waiting to be fetched, sampled after each produce call",
		},
		[]string{"queue"},
	)

	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Total number of work items published",
		},
		[]string{"queue"},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Total number of deliveries settled by outcome (ack|requeue)",
		},
		[]string{"status", "queue"},
	)

	ProcessingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processing_seconds",
			Help:    "Time the unit of work actually took, before padding",
			Buckets: []float64{.01, .02, .05, .1, .2, .5, 1, 2, 5},
		},
		[]string{"queue"},
	)

	IdleSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idle_seconds",
			Help:    "Padding added by the timing gate",
			Buckets: []float64{0, .01, .02, .05, .1, .2, .5, 1},
		},
		[]string{"queue"},
	)

	InstanceHeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "instance_heartbeats_total",
			Help: "Total number of instance heartbeats sent",
		},
	)

	OrphansRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orphans_recovered_total",
			Help: "Deliveries requeued after their holder disappeared",
		},
		[]string{"queue"},
	)
)

// ObserveProcessing records the work duration and the gate padding of one delivery.
func ObserveProcessing(queue string, elapsed, idle time.Duration) {
	ProcessingSeconds.WithLabelValues(queue).Observe(elapsed.Seconds())
	IdleSeconds.WithLabelValues(queue).Observe(idle.Seconds())
}
