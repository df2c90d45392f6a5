// Package metrics exposes Prometheus collectors for the lookup service.
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
	fetchTotal                    *prometheus.CounterVec
	fetchBytesTotal               *prometheus.CounterVec
	fieldErrorsTotal              *prometheus.CounterVec
	recordsEmittedTotal           *prometheus.CounterVec
	lookupsTotal                  *prometheus.CounterVec
	headlessPromotionsTotal       *prometheus.CounterVec
	coverDownloadsTotal           *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	probeTLSHandshakeTimeoutTotal prometheus.Counter
	activeWorkers                 prometheus.Gauge
	rateLimitDelaysSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookmeta_fetch_total",
				Help: "Total number of candidate fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookmeta_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fieldErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookmeta_field_errors_total",
				Help: "Total number of field extraction failures, labeled by field.",
			},
			[]string{"field"},
		)

		recordsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookmeta_records_emitted_total",
				Help: "Total number of records emitted into a result sink, labeled by site.",
			},
			[]string{"site"},
		)

		lookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookmeta_lookups_total",
				Help: "Total number of identify passes, labeled by result.",
			},
			[]string{"result"},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookmeta_headless_promotions_total",
				Help: "Total number of fetches promoted to the headless renderer, labeled by site.",
			},
			[]string{"site"},
		)

		coverDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookmeta_cover_downloads_total",
				Help: "Total number of cover downloads, labeled by result.",
			},
			[]string{"result"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		probeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookmeta_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookmeta_active_workers",
				Help: "Number of lookup workers currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookmeta_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch counts one fetch attempt and the bytes it returned.
func ObserveFetch(site, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFieldError counts a field that failed to extract.
func ObserveFieldError(field string) {
	Init()
	fieldErrorsTotal.WithLabelValues(field).Inc()
}

// ObserveRecordEmitted counts a record written to a sink.
func ObserveRecordEmitted(site string) {
	Init()
	recordsEmittedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveLookup counts a finished identify pass.
func ObserveLookup(result string) {
	Init()
	lookupsTotal.WithLabelValues(result).Inc()
}

// ObserveHeadlessPromotion counts a fetch handed to the headless renderer.
func ObserveHeadlessPromotion(site string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveCoverDownload counts a cover download by result.
func ObserveCoverDownload(result string) {
	Init()
	coverDownloadsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	Init()
	probeTLSHandshakeTimeoutTotal.Inc()
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
