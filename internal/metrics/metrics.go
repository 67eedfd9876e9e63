// Package metrics holds the Prometheus collectors of the collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttemptsTotal counts upstream requests by endpoint and outcome
	// (success, transport, status, invalid_body, circuit_open, cached).
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_fetch_attempts_total",
			Help: "Upstream fetch attempts by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	FetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gwagg_fetch_duration_seconds",
			Help:    "Latency of a single upstream request",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"endpoint"},
	)

	RowsNormalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_rows_normalized_total",
			Help: "Rows kept after response normalization",
		},
		[]string{"feature"},
	)

	SchemaMismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_schema_mismatches_total",
			Help: "Responses whose records carried no known timestamp/value keys",
		},
		[]string{"feature"},
	)

	FeaturesUnavailableTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_features_unavailable_total",
			Help: "Feature/chunk pairs for which no endpoint returned data",
		},
		[]string{"feature"},
	)

	DroppedTimestampsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_inner_join_dropped_timestamps_total",
			Help: "Timestamps dropped from a site because they were outside the inner-join intersection",
		},
		[]string{"group", "site"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_chunk_cache_lookups_total",
			Help: "Chunk payload cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_uploads_total",
			Help: "Run output uploads to object storage by outcome",
		},
		[]string{"outcome"},
	)

	RunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gwagg_run_duration_seconds",
			Help:    "Wall time of one acquisition run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwagg_runs_total",
			Help: "Acquisition runs by status",
		},
		[]string{"status"},
	)
)
