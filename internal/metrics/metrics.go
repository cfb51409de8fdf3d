// Package metrics exposes Prometheus collectors for the fetch scheduler.
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
	requestsTotal              *prometheus.CounterVec
	attemptsTotal              *prometheus.CounterVec
	retriesTotal               prometheus.Counter
	bytesTotal                 *prometheus.CounterVec
	inFlight                   prometheus.Gauge
	robotsFetchesTotal         *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	admissionRejectionsTotal   *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	dispatchDelaySeconds       prometheus.Histogram
	sourceMessagesTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "politefetch_requests_total",
				Help: "Requests that reached a terminal outcome, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "politefetch_attempts_total",
				Help: "Network fetch attempts, labeled by request kind.",
			},
			[]string{"kind"},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "politefetch_retries_total",
				Help: "Attempts rescheduled by the backoff engine.",
			},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "politefetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		inFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "politefetch_in_flight",
				Help: "Pool slots held by this process.",
			},
		)

		robotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "politefetch_robots_fetches_total",
				Help: "Robots policies committed, labeled by result.",
			},
			[]string{"result"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "politefetch_cache_lookups_total",
				Help: "Response cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		admissionRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "politefetch_admission_rejections_total",
				Help: "Admission attempts that did not proceed, labeled by reason.",
			},
			[]string{"reason"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "politefetch_fetch_duration_seconds",
				Help:    "Histogram of network fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		dispatchDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "politefetch_dispatch_delay_seconds",
				Help:    "Histogram of waits imposed by the global dispatch rate cap.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		sourceMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "politefetch_source_messages_total",
				Help: "Stream messages received, labeled by result.",
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

// ObserveRequest counts a terminal outcome: success, error or cached.
func ObserveRequest(outcome string) {
	Init()
	requestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAttempt counts one network attempt.
func ObserveAttempt(kind string) {
	Init()
	attemptsTotal.WithLabelValues(kind).Inc()
}

// ObserveRetry counts one rescheduled attempt.
func ObserveRetry() {
	Init()
	retriesTotal.Inc()
}

// ObserveFetch records latency and body size for a completed network fetch.
func ObserveFetch(site string, duration time.Duration, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	fetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// SetInFlight publishes the number of held pool slots.
func SetInFlight(n int) {
	Init()
	inFlight.Set(float64(n))
}

// ObserveRobotsFetch counts a committed robots policy.
func ObserveRobotsFetch(result string) {
	Init()
	robotsFetchesTotal.WithLabelValues(result).Inc()
}

// ObserveCacheLookup counts a cache lookup: hit, partial, miss or corrupt.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveAdmissionRejected counts a refused admission.
func ObserveAdmissionRejected(reason string) {
	Init()
	admissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveDispatchDelay records the duration of a rate limit wait.
func ObserveDispatchDelay(duration time.Duration) {
	Init()
	dispatchDelaySeconds.Observe(duration.Seconds())
}

// ObserveSourceMessage counts a stream message: accepted, invalid or failed.
func ObserveSourceMessage(result string) {
	Init()
	sourceMessagesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
