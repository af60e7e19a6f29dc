// Package metrics exposes Prometheus collectors for the archiver service.
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

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

var (
	archiverFetchesTotal       *prometheus.CounterVec
	archiverFetchesInFlight    prometheus.Gauge
	archiverPagesTotal         *prometheus.CounterVec
	archiverRendersTotal       *prometheus.CounterVec
	archiverStageSeconds       *prometheus.HistogramVec
	archiverJobsTotal          *prometheus.CounterVec
	archiverActiveJobs         prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		archiverFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_fetches_total",
				Help: "Total number of crawl fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		archiverFetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_fetches_in_flight",
				Help: "Number of crawl fetches currently in flight.",
			},
		)

		archiverPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_pages_discovered_total",
				Help: "Total number of pages discovered, labeled by site.",
			},
			[]string{"site"},
		)

		archiverRendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_renders_total",
				Help: "Total number of page renders, labeled by status.",
			},
			[]string{"status"},
		)

		archiverStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_stage_duration_seconds",
				Help:    "Histogram of pipeline stage durations, labeled by stage and status.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"stage", "status"},
		)

		archiverJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_jobs_total",
				Help: "Total number of jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		archiverActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_jobs",
				Help: "Number of jobs currently running.",
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
	return promhttp.Handler()
}

// FetchObserver reports crawl fetches. It satisfies crawler.FetchObserver.
type FetchObserver struct{}

// FetchStarted increments the in-flight gauge.
func (FetchObserver) FetchStarted() {
	Init()
	archiverFetchesInFlight.Inc()
}

// FetchFinished records the outcome and releases the in-flight slot.
func (FetchObserver) FetchFinished(rawURL string, outcome crawler.FetchOutcome) {
	Init()
	archiverFetchesInFlight.Dec()
	archiverFetchesTotal.WithLabelValues(SanitizeSite(rawURL), outcome.String()).Inc()
}

// ObservePage counts a discovered page.
func ObservePage(rawURL string) {
	Init()
	archiverPagesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRender counts a render attempt by status ("success" or "error").
func ObserveRender(status string) {
	Init()
	archiverRendersTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a pipeline stage ran.
func ObserveStage(stage, status string, duration time.Duration) {
	Init()
	archiverStageSeconds.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	archiverJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs increments the running jobs gauge.
func IncActiveJobs() {
	Init()
	archiverActiveJobs.Inc()
}

// DecActiveJobs decrements the running jobs gauge.
func DecActiveJobs() {
	Init()
	archiverActiveJobs.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
