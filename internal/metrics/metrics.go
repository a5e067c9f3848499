// Package metrics exposes Prometheus collectors for the ingest service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlOutcomesTotal         *prometheus.CounterVec
	postsInsertedTotal         *prometheus.CounterVec
	itemsSkippedTotal          *prometheus.CounterVec
	fetchPagesTotal            *prometheus.CounterVec
	tasksEmittedTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "social_crawl_outcomes_total",
				Help: "Per-target crawl runs, labeled by platform and outcome status.",
			},
			[]string{"platform", "status"},
		)

		postsInsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "social_posts_inserted_total",
				Help: "New canonical posts written, labeled by platform.",
			},
			[]string{"platform"},
		)

		itemsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "social_items_skipped_total",
				Help: "Raw items the normalizer skipped, labeled by platform.",
			},
			[]string{"platform"},
		)

		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "social_fetch_pages_total",
				Help: "Adapter pages fetched, labeled by platform and phase.",
			},
			[]string{"platform", "phase"},
		)

		tasksEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "social_tasks_emitted_total",
				Help: "Crawl tasks put on the queue, labeled by task kind.",
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "social_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "social_rate_limit_delay_seconds",
				Help:    "Histogram of page delay waits by platform.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome counts one planner run.
func ObserveOutcome(platform, status string) {
	Init()
	crawlOutcomesTotal.WithLabelValues(platform, status).Inc()
}

// ObservePage records one fetched page and its normalization results.
func ObservePage(platform, phase string, inserted, skipped int) {
	Init()
	fetchPagesTotal.WithLabelValues(platform, phase).Inc()
	if inserted > 0 {
		postsInsertedTotal.WithLabelValues(platform).Add(float64(inserted))
	}
	if skipped > 0 {
		itemsSkippedTotal.WithLabelValues(platform).Add(float64(skipped))
	}
}

// ObserveTaskEmitted counts a task put on the queue.
func ObserveTaskEmitted(kind string) {
	Init()
	tasksEmittedTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait for a
// platform. Targets are never used as labels.
func ObserveRateLimitDelay(platform string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(platform).Observe(duration.Seconds())
}
