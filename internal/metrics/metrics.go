package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts query submissions by outcome.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cursordb_queries_total",
			Help: "Total number of query submissions",
		},
		[]string{"outcome"},
	)
	// QueryDuration is the latency of query executions (cache hits excluded).
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cursordb_query_duration_seconds",
			Help:    "Query execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CursorsCreated counts cursors registered for multi-batch results.
	CursorsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cursordb_cursors_created_total",
			Help: "Total number of cursors registered",
		},
	)
	// CursorsDisposed counts explicit cursor disposals.
	CursorsDisposed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cursordb_cursors_disposed_total",
			Help: "Total number of explicitly disposed cursors",
		},
	)
	// CursorsExpired counts cursors reclaimed by the expiry sweeper.
	CursorsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cursordb_cursors_expired_total",
			Help: "Total number of cursors reclaimed after their ttl elapsed",
		},
	)
	// CursorConflicts counts rejected concurrent fetches on one cursor.
	CursorConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cursordb_cursor_conflicts_total",
			Help: "Total number of concurrent fetch attempts rejected",
		},
	)
	// CursorsOpen tracks currently registered cursors.
	CursorsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cursordb_cursors_open",
			Help: "Number of currently registered cursors",
		},
	)

	// CacheRequests counts result cache consultations by outcome.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cursordb_cache_requests_total",
			Help: "Total number of query result cache lookups",
		},
		[]string{"outcome"},
	)
	// CacheEntries tracks the number of cached result sets.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cursordb_cache_entries",
			Help: "Number of cached query result sets",
		},
	)
	// CacheInvalidations counts entries dropped by write-driven invalidation.
	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cursordb_cache_invalidations_total",
			Help: "Total number of cache entries invalidated by writes",
		},
	)
)
