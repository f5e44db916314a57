// Package metrics exposes Prometheus collectors for the scraper service.
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

var (
	scraperPagesTotal             *prometheus.CounterVec
	scraperAttemptsTotal          *prometheus.CounterVec
	scraperBytesTotal             *prometheus.CounterVec
	scraperStrategyMatchesTotal   *prometheus.CounterVec
	scraperArchivedPagesTotal     *prometheus.CounterVec
	cacheReadsTotal               *prometheus.CounterVec
	cacheRecords                  prometheus.Gauge
	cacheRefreshDurationSeconds   prometheus.Histogram
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	scraperRateLimitDelaysSeconds *prometheus.HistogramVec
	keepalivePingsTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mfnews_pages_total",
				Help: "Total number of listing pages fetched, labeled by final page status.",
			},
			[]string{"status"},
		)

		scraperAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mfnews_fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mfnews_bytes_total",
				Help: "Total number of decoded bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scraperStrategyMatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mfnews_extract_strategy_matches_total",
				Help: "Pages whose records came from the given selector strategy.",
			},
			[]string{"strategy"},
		)

		scraperArchivedPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mfnews_archived_pages_total",
				Help: "Raw pages archived after yielding no records, labeled by result.",
			},
			[]string{"result"},
		)

		cacheReadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mfnews_cache_reads_total",
				Help: "Total number of cache reads, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		cacheRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mfnews_cache_records",
				Help: "Number of records held by the current snapshot.",
			},
		)

		cacheRefreshDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mfnews_cache_refresh_duration_seconds",
				Help:    "Histogram of full scrape durations triggered by cache refreshes.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 60},
			},
			[]string{"method", "route"},
		)

		scraperRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mfnews_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		keepalivePingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mfnews_keepalive_pings_total",
				Help: "Total number of keep-alive pings, labeled by result.",
			},
			[]string{"result"},
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
	return promhttp.Handler()
}

// ObservePage counts a finished page fetch by its final status.
func ObservePage(status string) {
	Init()
	scraperPagesTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt counts one fetch attempt.
func ObserveAttempt(outcome string) {
	Init()
	scraperAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBytes adds decoded body bytes fetched from site.
func ObserveBytes(site string, n int) {
	if n <= 0 {
		return
	}
	Init()
	scraperBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}

// ObserveStrategyMatch counts which selector strategy produced a page's records.
func ObserveStrategyMatch(strategy string) {
	Init()
	scraperStrategyMatchesTotal.WithLabelValues(strategy).Inc()
}

// ObserveArchive counts an archive write ("ok" or "error").
func ObserveArchive(result string) {
	Init()
	scraperArchivedPagesTotal.WithLabelValues(result).Inc()
}

// ObserveCacheRead counts a cache read as a hit or a miss.
func ObserveCacheRead(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheReadsTotal.WithLabelValues(result).Inc()
}

// ObserveRefresh records a completed refresh and the size of the new snapshot.
func ObserveRefresh(duration time.Duration, records int) {
	Init()
	cacheRefreshDurationSeconds.Observe(duration.Seconds())
	cacheRecords.Set(float64(records))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scraperRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveKeepAlive counts a keep-alive ping ("ok" or "error").
func ObserveKeepAlive(result string) {
	Init()
	keepalivePingsTotal.WithLabelValues(result).Inc()
}
