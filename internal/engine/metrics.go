package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation outcomes recorded by the operations counter.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

// metrics holds the engine's collectors. With a nil registerer the
// collectors work but are not exported.
type metrics struct {
	operations *prometheus.CounterVec
	batchSize  prometheus.Histogram
	conflicts  prometheus.Counter
	lockGrants prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entityflow",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Entity operations executed, by entity name and outcome.",
			}, []string{"entity", "outcome"}),
		batchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "entityflow",
				Subsystem: "engine",
				Name:      "batch_size",
				Help:      "Number of requests executed per entity batch.",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			}),
		conflicts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entityflow",
				Subsystem: "engine",
				Name:      "commit_conflicts_total",
				Help:      "Entity batches discarded because another writer committed first.",
			}),
		lockGrants: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entityflow",
				Subsystem: "engine",
				Name:      "lock_grants_total",
				Help:      "Lock requests granted by entities.",
			}),
	}
}
