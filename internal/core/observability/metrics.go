// Package observability defines the service's Prometheus instrumentation.
package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream API calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	cacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of cache store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Per-key cache resolution outcomes (fresh, stale, miss).",
		},
		[]string{"outcome"},
	)

	recordProvenance = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_served_total",
			Help: "Records served to callers, by provenance.",
		},
		[]string{"source"},
	)

	fetchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_fetch_total",
			Help: "Remote fetch outcomes.",
		},
		[]string{"outcome"},
	)

	quarantinedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarantined_records_total",
			Help: "Remote records dropped by schema validation.",
		},
	)

	singleflightShared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "singleflight_shared_total",
			Help: "Fetches whose result was shared with waiting callers.",
		},
	)
)

var initOnce sync.Once

// Init registers all collectors on reg (the default registerer when nil).
// Observations made before Init are retained by the collectors and exposed
// after registration.
func Init(reg prometheus.Registerer) {
	initOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			httpRequestsTotal,
			httpRequestDurationSeconds,
			upstreamLatencySeconds,
			cacheOpSeconds,
			cacheResults,
			recordProvenance,
			fetchOutcomes,
			quarantinedRecords,
			singleflightShared,
		)
	})
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpSeconds.WithLabelValues(op, outcome).Observe(durationSeconds)
}

func IncCacheResult(outcome string) {
	cacheResults.WithLabelValues(outcome).Inc()
}

func AddRecordsServed(source string, n int) {
	if n > 0 {
		recordProvenance.WithLabelValues(source).Add(float64(n))
	}
}

func IncFetch(outcome string) {
	fetchOutcomes.WithLabelValues(outcome).Inc()
}

func IncQuarantined() {
	quarantinedRecords.Inc()
}

func IncSingleflightShared() {
	singleflightShared.Inc()
}
