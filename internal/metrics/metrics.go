// Package metrics registers the Prometheus collectors exposed by the pulse
// service-mode /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_build_info",
		Help: "Build information of the pulse binary",
	}, []string{"version", "commit", "date"})

	RowsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_observations_ingested_total",
		Help: "Total number of observations inserted, by source",
	}, []string{"source"})

	RowsUpdatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_observations_updated_total",
		Help: "Total number of observations updated on conflict, by source",
	}, []string{"source"})

	DeadLetterRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_dead_letter_rows_total",
		Help: "Total number of source rows routed to the dead-letter table",
	}, []string{"source"})

	ResolverMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_resolver_misses_total",
		Help: "Total number of country strings that failed alias resolution",
	})

	CollectorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_collector_runs_total",
		Help: "Total number of collector runs by terminal status",
	}, []string{"collector", "status"})

	ViewRebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_view_rebuild_duration_seconds",
		Help:    "Duration of combined view rebuilds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	ViewRebuildFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_view_rebuild_failures_total",
		Help: "Total number of aborted or failed view rebuilds",
	})

	ViewRebuildSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_view_rebuild_skipped_total",
		Help: "Total number of view rebuilds skipped for adapter backpressure",
	})
)
