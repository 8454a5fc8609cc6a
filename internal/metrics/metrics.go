// Package metrics exposes Prometheus collectors for the ingest pipeline.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchRetriesTotal          prometheus.Counter
	fetchResultsTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	throttleWaitSeconds        *prometheus.HistogramVec
	batchDurationSeconds       prometheus.Histogram
	batchSize                  prometheus.Histogram
	runDurationSeconds         prometheus.Gauge
	runLastFinishedSeconds     prometheus.Gauge
	runDocuments               *prometheus.GaugeVec
	alertsTotal                *prometheus.CounterVec
	archiveObjectsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_attempts_total",
				Help: "HTTP attempts made by the fetcher, labeled by attempt outcome.",
			},
			[]string{"outcome"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_fetch_retries_total",
				Help: "Retries scheduled after a retriable status or transport failure.",
			},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_results_total",
				Help: "Terminal fetch outcomes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Body bytes retained after truncation, labeled by site.",
			},
			[]string{"site"},
		)

		throttleWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_throttle_wait_seconds",
				Help:    "Time spent waiting on the per-host throttle.",
				Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_batch_duration_seconds",
				Help:    "Wall-clock time per committed batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		)

		batchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_batch_size",
				Help:    "Candidates selected per batch.",
				Buckets: []float64{0, 1, 10, 50, 100, 200, 500, 1000},
			},
		)

		runDurationSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_run_duration_seconds",
				Help: "Duration of the most recent run.",
			},
		)

		runLastFinishedSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_run_last_finished_timestamp_seconds",
				Help: "Unix time the most recent run finished.",
			},
		)

		runDocuments = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_run_documents",
				Help: "Documents handled by the most recent run, labeled by counter.",
			},
			[]string{"counter"},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_alerts_total",
				Help: "Alerts raised by the run recorder.",
			},
			[]string{"type", "severity"},
		)

		archiveObjectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_archive_objects_total",
				Help: "Bodies written to the archive, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
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

// SanitizeSite extracts a lowercase hostname for use as a label.
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

// ObserveFetchAttempt counts one HTTP attempt.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchRetry counts one scheduled retry.
func ObserveFetchRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObserveFetchResult counts a terminal outcome and the bytes it retained.
func ObserveFetchResult(rawURL, outcome string, retained int64) {
	Init()
	site := SanitizeSite(rawURL)
	fetchResultsTotal.WithLabelValues(site, outcome).Inc()
	if retained > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(retained))
	}
}

// ObserveThrottleWait records how long a host gate held a fetch back.
func ObserveThrottleWait(host string, wait time.Duration) {
	Init()
	throttleWaitSeconds.WithLabelValues(host).Observe(wait.Seconds())
}

// ObserveBatch records one committed batch.
func ObserveBatch(size int, duration time.Duration) {
	Init()
	batchSize.Observe(float64(size))
	batchDurationSeconds.Observe(duration.Seconds())
}

// ObserveRun records the summary of a finished run.
func ObserveRun(processed, ok200, ok304, errs int, duration time.Duration, finished time.Time) {
	Init()
	runDurationSeconds.Set(duration.Seconds())
	runLastFinishedSeconds.Set(float64(finished.Unix()))
	runDocuments.WithLabelValues("processed").Set(float64(processed))
	runDocuments.WithLabelValues("ok200").Set(float64(ok200))
	runDocuments.WithLabelValues("ok304").Set(float64(ok304))
	runDocuments.WithLabelValues("err").Set(float64(errs))
}

// ObserveAlert counts a fired alert.
func ObserveAlert(alertType, severity string) {
	Init()
	alertsTotal.WithLabelValues(alertType, severity).Inc()
}

// ObserveArchive counts one archive write.
func ObserveArchive(backend, outcome string) {
	Init()
	archiveObjectsTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Push sends the default registry to a Prometheus Pushgateway under job.
func Push(ctx context.Context, gatewayURL, job string) error {
	Init()
	if err := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
