// Package observability exposes the Prometheus metrics for the
// selection service.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	selectionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selection_duration_seconds",
			Help:    "End-to-end duration of a rectangle selection across all layers.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"transport"},
	)

	selectionFeatures = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "selection_features",
			Help:    "Features returned per selection after geometry filtering.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1 to 1024
		},
	)

	layerQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layer_queries_total",
			Help: "Layer queries by mode and outcome.",
		},
		[]string{"layer", "mode", "outcome"},
	)

	layerQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "layer_query_duration_seconds",
			Help:    "Duration of a single layer query in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"layer", "mode"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Query cache results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Entries currently held by the query cache.",
		},
	)

	cacheOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of cache backend operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	cacheFillTTL = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_fill_ttl_total",
			Help: "Cache fills by hotness band of the selected TTL.",
		},
		[]string{"band"},
	)

	staleResultsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_results_discarded_total",
			Help: "Selection results dropped because a newer rectangle superseded them.",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Connected interactive map sessions.",
		},
	)

	measurementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurements_total",
			Help: "Finalized measurements by tool.",
		},
		[]string{"tool"},
	)

	invalidationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_messages_total",
			Help: "Invalidation messages by result.",
		},
		[]string{"result"},
	)

	invalidationPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "invalidation_purged_entries_total",
			Help: "Cache entries purged by invalidation events.",
		},
	)

	invalidationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invalidation_processing_seconds",
			Help:    "Processing time for one invalidation message.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"op"},
	)

	invalidationLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "invalidation_lag_seconds",
			Help: "Approximate lag between now and the message timestamp.",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveSelection(transport string, durationSeconds float64, features int) {
	selectionDurationSeconds.WithLabelValues(transport).Observe(durationSeconds)
	selectionFeatures.Observe(float64(features))
}

func ObserveLayerQuery(layer, mode, outcome string, durationSeconds float64) {
	layerQueriesTotal.WithLabelValues(layer, mode, outcome).Inc()
	layerQueryDurationSeconds.WithLabelValues(layer, mode).Observe(durationSeconds)
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpSeconds.WithLabelValues(op, outcome).Observe(durationSeconds)
}

// IncCacheExpired counts reads that found an entry past its deadline.
func IncCacheExpired() { cacheResults.WithLabelValues("expired").Inc() }

func SetCacheEntries(n int) { cacheEntries.Set(float64(n)) }

func IncTTLBand(band string) { cacheFillTTL.WithLabelValues(band).Inc() }

func IncStaleDiscard() { staleResultsDiscarded.Inc() }

func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

func IncMeasurement(tool string) { measurementsTotal.WithLabelValues(tool).Inc() }

func ObserveInvalidation(op string, err error, durationSeconds float64) {
	if op == "" {
		op = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	invalidationMessages.WithLabelValues(result).Inc()
	invalidationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncInvalidationSkipped() { invalidationMessages.WithLabelValues("skip_version").Inc() }

func AddInvalidationPurged(n int) { invalidationPurged.Add(float64(n)) }

func SetInvalidationLag(seconds float64) { invalidationLag.Set(seconds) }

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

// Handler serves the default registry, which also carries the Go and
// process collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
