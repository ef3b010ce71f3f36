// Package metrics exposes the ingest pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsTotal counts items by terminal outcome: created, updated,
	// unchanged, skipped, rejected, dead_lettered.
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_watcher_items_total",
			Help: "Pipeline items by terminal outcome.",
		},
		[]string{"outcome"},
	)

	SnapshotFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_watcher_snapshot_failures_total",
			Help: "Snapshot archive attempts that exhausted their retries.",
		},
	)

	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_watcher_dead_letters_total",
			Help: "Items routed to the dead-letter store.",
		},
	)

	ItemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_watcher_item_duration_seconds",
			Help:    "Wall time of one item through the full pipeline.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
