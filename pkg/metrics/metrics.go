// Package metrics exposes the Prometheus registry shared by the data layer.
// Metrics are defined in their own packages (client, cache, loader,
// ratelimit) through promauto and registered with the default registry;
// this package serves them and keeps the catalogue below.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by all packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer gathers the metrics registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metric describes one exported metric.
type Metric struct {
	Name    string
	Type    string
	Package string
	Labels  []string
}

// Catalogue lists every metric the data layer exports.
var Catalogue = []Metric{
	{"opstrat_api_requests_total", "counter", "client", []string{"kind", "status"}},
	{"opstrat_api_request_duration_seconds", "histogram", "client", []string{"kind"}},
	{"opstrat_api_errors_total", "counter", "client", []string{"class"}},
	{"opstrat_records_quarantined_total", "counter", "client", []string{"kind"}},
	{"opstrat_api_retries_total", "counter", "client", []string{"class"}},
	{"opstrat_api_retry_backoff_seconds", "histogram", "client", []string{"class"}},
	{"opstrat_api_retry_exhausted_total", "counter", "client", []string{"class"}},

	{"opstrat_api_throttle_wait_seconds", "histogram", "ratelimit", nil},
	{"opstrat_api_budget_remaining", "gauge", "ratelimit", nil},
	{"opstrat_api_budget_holds_total", "counter", "ratelimit", nil},
	{"opstrat_api_budget_throttles_total", "counter", "ratelimit", nil},

	{"opstrat_cache_hits_total", "counter", "cache", []string{"layer"}},
	{"opstrat_cache_misses_total", "counter", "cache", nil},
	{"opstrat_cache_fetches_total", "counter", "cache", nil},
	{"opstrat_cache_errors_total", "counter", "cache", []string{"operation"}},
	{"opstrat_cache_write_bytes_total", "counter", "cache", nil},

	{"opstrat_loader_loads_total", "counter", "loader", []string{"kind", "result"}},
	{"opstrat_loader_load_duration_seconds", "histogram", "loader", []string{"kind"}},
	{"opstrat_loader_months_total", "counter", "loader", []string{"kind"}},
	{"opstrat_loader_empty_months_total", "counter", "loader", []string{"kind"}},
}

// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(opstrat_cache_hits_total[5m])) /
//   (sum(rate(opstrat_cache_hits_total[5m])) + sum(rate(opstrat_cache_misses_total[5m])))
//
//   # De-duplication: misses that did not trigger a fetch
//   rate(opstrat_cache_misses_total[5m]) - rate(opstrat_cache_fetches_total[5m])
//
//   # Provider budget
//   opstrat_api_budget_remaining < 20
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(opstrat_api_request_duration_seconds_bucket[5m]))
//
//   # Quarantined records per load
//   rate(opstrat_records_quarantined_total[1h])
