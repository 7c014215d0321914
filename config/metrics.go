package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// MergeRows counts merged rows by outcome
	// (inserted, updated, skipped_closed, duplicate_in_batch, skipped_malformed).
	MergeRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "po_layers",
		Name:      "merge_rows_total",
		Help:      "Order rows processed by the fact merge, by outcome.",
	}, []string{"outcome"})

	MergeFailedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "po_layers",
		Name:      "merge_failed_batches_total",
		Help:      "Merge batches rolled back after an error.",
	})

	RebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "po_layers",
		Name:      "rebuild_duration_seconds",
		Help:      "Wall time of a classification rebuild.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	ClassificationGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "po_layers",
		Name:      "classification_gaps_total",
		Help:      "Facts left without a classification link during a rebuild.",
	})

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "po_layers",
		Name:      "job_runs_total",
		Help:      "Finished background job runs, by type and status.",
	}, []string{"job_type", "status"})
)

// MetricsRegistry holds every collector exported on /metrics.
var MetricsRegistry = prometheus.NewRegistry()

func init() {
	MetricsRegistry.MustRegister(
		MergeRows,
		MergeFailedBatches,
		RebuildDuration,
		ClassificationGaps,
		JobRuns,
		collectors.NewGoCollector(),
	)
}
