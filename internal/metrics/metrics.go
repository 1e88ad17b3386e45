// Package metrics exposes Prometheus collectors for the acquisition pipeline.
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

// Record outcomes used as label values.
const (
	OutcomeValidated = "validated"
	OutcomeRejected  = "rejected"
)

// Merge outcomes used as label values.
const (
	MergeInserted  = "inserted"
	MergeDuplicate = "skipped_duplicate"
	MergeFailed    = "failed"
)

var (
	pagesTotal             *prometheus.CounterVec
	bytesTotal             *prometheus.CounterVec
	recordsTotal           *prometheus.CounterVec
	retriesTotal           *prometheus.CounterVec
	retryExhaustedTotal    *prometheus.CounterVec
	batchesStagedTotal     prometheus.Counter
	recordsStagedTotal     prometheus.Counter
	mergeRecordsTotal      *prometheus.CounterVec
	offloadTotal           *prometheus.CounterVec
	activeTerms            prometheus.Gauge
	requestDelaySeconds    prometheus.Histogram
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tesis_pages_total",
				Help: "Total number of pages fetched, labeled by site and kind.",
			},
			[]string{"site", "kind"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tesis_bytes_total",
				Help: "Total number of HTML bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tesis_records_total",
				Help: "Extracted records, labeled by outcome and reject reason.",
			},
			[]string{"outcome", "reason"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tesis_retries_total",
				Help: "Retries scheduled after a transient failure, labeled by operation.",
			},
			[]string{"op"},
		)

		retryExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tesis_retry_exhausted_total",
				Help: "Operations that failed on every attempt, labeled by operation.",
			},
			[]string{"op"},
		)

		batchesStagedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tesis_batches_staged_total",
				Help: "Staged batch files written.",
			},
		)

		recordsStagedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tesis_records_staged_total",
				Help: "Records written to staged batch files.",
			},
		)

		mergeRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tesis_merge_records_total",
				Help: "Staged records processed by the merger, labeled by result.",
			},
			[]string{"result"},
		)

		offloadTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tesis_offload_total",
				Help: "Document offload attempts, labeled by status.",
			},
			[]string{"status"},
		)

		activeTerms = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tesis_active_terms",
				Help: "Number of search terms currently being traversed.",
			},
		)

		requestDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tesis_request_delay_seconds",
				Help:    "Histogram of time spent waiting on the request pacer.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
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

// ObservePage counts a fetched page. kind is search, list or detail.
func ObservePage(site, kind string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitized, kind).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveRecord counts an extraction outcome.
func ObserveRecord(outcome, reason string) {
	Init()
	recordsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(op string) {
	Init()
	retriesTotal.WithLabelValues(op).Inc()
}

// ObserveRetryExhausted counts an operation that ran out of attempts.
func ObserveRetryExhausted(op string) {
	Init()
	retryExhaustedTotal.WithLabelValues(op).Inc()
}

// ObserveBatchStaged counts a staged batch of n records.
func ObserveBatchStaged(n int) {
	Init()
	batchesStagedTotal.Inc()
	recordsStagedTotal.Add(float64(n))
}

// ObserveMerge counts a merge result for one record.
func ObserveMerge(result string) {
	Init()
	mergeRecordsTotal.WithLabelValues(result).Inc()
}

// ObserveOffload counts an offload attempt.
func ObserveOffload(status string) {
	Init()
	offloadTotal.WithLabelValues(status).Inc()
}

// IncActiveTerms increments the active terms gauge.
func IncActiveTerms() {
	Init()
	activeTerms.Inc()
}

// DecActiveTerms decrements the active terms gauge.
func DecActiveTerms() {
	Init()
	activeTerms.Dec()
}

// ObserveRequestDelay records time spent waiting between page fetches.
func ObserveRequestDelay(d time.Duration) {
	Init()
	requestDelaySeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
