package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (memory, redis, disk)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrat_cache_hits_total",
			Help: "Total number of month cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks lookups that had to fetch
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opstrat_cache_misses_total",
			Help: "Total number of month cache misses",
		},
	)

	// CacheFetches tracks fetch function invocations (after de-duplication)
	CacheFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opstrat_cache_fetches_total",
			Help: "Total number of fetches performed on cache miss",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrat_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "hot_get", "hot_set", "disk_read", "disk_write", "delete"
	)

	// CacheWriteBytes tracks bytes written to the disk tier
	CacheWriteBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opstrat_cache_write_bytes_total",
			Help: "Total bytes written to the disk cache",
		},
	)
)
