// Package server: metrics.go registers all Prometheus metrics for the HTTP
// server and exposes helpers used by handlers and middleware.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the chi route pattern rather than the raw URL path.
	labelHandler = "handler"

	metricsNamespace = "firestarter"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// chatRequestsTotal counts completed chat turns, partitioned by API
	// ("dashboard" or "openai") and outcome: "ok", "timeout", or "error".
	chatRequestsTotal *prometheus.CounterVec

	// chatDurationSeconds records the wall-clock duration of each chat turn
	// from request receipt to stream completion.
	chatDurationSeconds *prometheus.HistogramVec

	// chatActiveStreams is the number of chat streams currently open.
	chatActiveStreams prometheus.Gauge

	// providerSelectedTotal counts turns served per backend.
	providerSelectedTotal *prometheus.CounterVec

	// providerFallbackTotal counts backends that failed before producing
	// output and were skipped for the next candidate.
	providerFallbackTotal *prometheus.CounterVec

	// indexesCreatedTotal counts create requests by outcome.
	indexesCreatedTotal *prometheus.CounterVec

	// crawlPages records the pages crawled per successful create.
	crawlPages prometheus.Histogram

	// rateLimitedTotal counts requests rejected with 429, by limit class.
	rateLimitedTotal *prometheus.CounterVec

	// httpRequestsTotal counts all HTTP requests handled by the router,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) is used so that each call
// registers into the provided registry rather than the global default.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of chat turns completed, partitioned by API and outcome.",
		}, []string{"api", "outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of chat turns from receipt to stream completion.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"api", "outcome"}),

		chatActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Number of chat streams currently open.",
		}),

		providerSelectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "selected_total",
			Help:      "Chat turns served, partitioned by backend.",
		}, []string{"provider"}),

		providerFallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "fallbacks_total",
			Help:      "Backends that failed before producing output, partitioned by backend.",
		}, []string{"provider"}),

		indexesCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "create_requests_total",
			Help:      "Index creation requests, partitioned by outcome.",
		}, []string{"outcome"}),

		crawlPages: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "crawl_pages",
			Help:      "Pages crawled per created index.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100},
		}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, partitioned by limit class.",
		}, []string{"class"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}
