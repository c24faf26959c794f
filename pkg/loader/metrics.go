package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoadsTotal tracks load calls by kind and result
	LoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrat_loader_loads_total",
			Help: "Total number of range loads",
		},
		[]string{"kind", "result"}, // "ok", "partial_cache", "error"
	)

	// LoadDuration tracks range load latency
	LoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opstrat_loader_load_duration_seconds",
			Help:    "Range load duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"kind"},
	)

	// MonthsProcessed tracks months assembled into loads
	MonthsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrat_loader_months_total",
			Help: "Total number of months processed by the loader",
		},
		[]string{"kind"},
	)

	// EmptyMonths tracks closed months with business days but no records
	EmptyMonths = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opstrat_loader_empty_months_total",
			Help: "Total number of closed months that returned no records",
		},
		[]string{"kind"},
	)
)
