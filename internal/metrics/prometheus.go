package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipdesk_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipdesk_api_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipdesk_api_cache_lookups_total",
			Help: "Cache lookups by class and outcome (hit, miss, expired, error)",
		},
		[]string{"class", "outcome"},
	)

	cacheWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipdesk_api_cache_writes_total",
			Help: "Cache writes by class",
		},
		[]string{"class"},
	)

	queryExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipdesk_api_query_executions_total",
			Help: "Guarded query executions by result (success, failure, rejected)",
		},
		[]string{"result"},
	)
)

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	status := "unknown"
	switch {
	case statusCode >= 200 && statusCode < 300:
		status = "2xx"
	case statusCode >= 300 && statusCode < 400:
		status = "3xx"
	case statusCode >= 400 && statusCode < 500:
		status = "4xx"
	case statusCode >= 500:
		status = "5xx"
	}

	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordCacheLookup records a cache lookup outcome for a cache class.
func RecordCacheLookup(class, outcome string) {
	cacheLookupsTotal.WithLabelValues(class, outcome).Inc()
}

// RecordCacheWrite records a cache write for a cache class.
func RecordCacheWrite(class string) {
	cacheWritesTotal.WithLabelValues(class).Inc()
}

// RecordQueryExecution records a guarded query execution result.
func RecordQueryExecution(result string) {
	queryExecutionsTotal.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
