package hybrid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors updated by an Estimator.
type Metrics struct {
	Batches       prometheus.Counter
	BatchErrors   prometheus.Counter
	BatchDuration prometheus.Histogram
	Partitions    prometheus.Histogram
	Selections    *prometheus.CounterVec
}

// NewMetrics creates the estimator collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridml",
			Name:      "batches_total",
			Help:      "Number of sample batches approximated.",
		}),
		BatchErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridml",
			Name:      "batch_errors_total",
			Help:      "Number of batches that failed.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hybridml",
			Name:      "batch_duration_seconds",
			Help:      "Time spent approximating one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		Partitions: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hybridml",
			Name:      "partitions_per_batch",
			Help:      "Number of tree partitions per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Selections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybridml",
			Name:      "method_selections_total",
			Help:      "Partitions assigned to each approximation method.",
		}, []string{"method"}),
	}
}
