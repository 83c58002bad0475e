// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

var (
	crawlerOperationsTotal          *prometheus.CounterVec
	crawlerOperationDurationSeconds *prometheus.HistogramVec
	crawlerPagesTotal               *prometheus.CounterVec
	crawlerBytesTotal               *prometheus.CounterVec
	crawlerRateLimitDelaySeconds    *prometheus.HistogramVec
	crawlerBreakerState             prometheus.Gauge
	crawlerBatchFlushesTotal        *prometheus.CounterVec
	crawlerBatchTargetSize          prometheus.Gauge
	crawlerItemsAcceptedTotal       prometheus.Counter
	crawlerActiveWorkers            prometheus.Gauge
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_operations_total",
				Help: "Total number of crawl operations, labeled by kind and outcome.",
			},
			[]string{"kind", "status"},
		)

		crawlerOperationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_operation_duration_seconds",
				Help:    "Histogram of crawl operation durations, labeled by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"limiter"},
		)

		crawlerBreakerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
			},
		)

		crawlerBatchFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_batch_flushes_total",
				Help: "Total number of batch flushes, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerBatchTargetSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_batch_target_size",
				Help: "Current adaptive batch target size.",
			},
		)

		crawlerItemsAcceptedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_items_accepted_total",
				Help: "Total number of extracted items accepted into batches.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a target.",
			},
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
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveOperation records one monitored operation.
func ObserveOperation(kind string, duration time.Duration, success bool) {
	Init()
	status := "success"
	if !success {
		status = "failure"
	}
	crawlerOperationsTotal.WithLabelValues(kind, status).Inc()
	crawlerOperationDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveCrawl increments the page fetch metrics.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaySeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// SetBreakerState publishes the breaker state gauge.
func SetBreakerState(state int) {
	Init()
	crawlerBreakerState.Set(float64(state))
}

// ObserveBatchFlush counts a flush attempt and publishes the current target size.
func ObserveBatchFlush(success bool, targetSize int) {
	Init()
	status := "success"
	if !success {
		status = "failure"
	}
	crawlerBatchFlushesTotal.WithLabelValues(status).Inc()
	crawlerBatchTargetSize.Set(float64(targetSize))
}

// IncItemsAccepted counts one item handed to the batch writer.
func IncItemsAccepted() {
	Init()
	crawlerItemsAcceptedTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
