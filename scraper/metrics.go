package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry           *prometheus.Registry
	PagesFetchedTotal  prometheus.Counter
	RecordsTotal       prometheus.Counter
	FetchDuration      prometheus.Histogram
	FlushesTotal       *prometheus.CounterVec
	BackoffEventsTotal prometheus.Counter
	RetryWaitsTotal    prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
	PacingDelaySeconds prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pagesFetched := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_pages_fetched_total",
			Help: "Total listing pages fetched and decoded.",
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_records_extracted_total",
			Help: "Total listing records extracted from page payloads.",
		},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "HTTP fetch latency for listing pages.",
			Buckets: prometheus.DefBuckets,
		},
	)
	flushes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_flushes_total",
			Help: "Total batch flushes by outcome.",
		},
		[]string{"outcome"},
	)
	backoffs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_backoff_events_total",
			Help: "Times the pacing delay bounds were widened.",
		},
	)
	retryWaits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retry_waits_total",
			Help: "Wait-and-resume cycles entered by the supervisor.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Total crawl errors by type.",
		},
		[]string{"error_type"},
	)
	pacingDelay := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_pacing_delay_seconds",
			Help:    "Delays applied between page fetches.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
	)

	registry.MustRegister(pagesFetched, records, fetchDuration, flushes, backoffs, retryWaits, errorsTotal, pacingDelay)

	return &Metrics{
		Registry:           registry,
		PagesFetchedTotal:  pagesFetched,
		RecordsTotal:       records,
		FetchDuration:      fetchDuration,
		FlushesTotal:       flushes,
		BackoffEventsTotal: backoffs,
		RetryWaitsTotal:    retryWaits,
		ErrorsTotal:        errorsTotal,
		PacingDelaySeconds: pacingDelay,
	}
}

// IncPage increments the fetched-pages counter.
func (m *Metrics) IncPage() {
	if m == nil {
		return
	}
	m.PagesFetchedTotal.Inc()
}

// AddRecords adds to the extracted-records counter.
func (m *Metrics) AddRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsTotal.Add(float64(n))
}

// ObserveFetch records one page fetch latency.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// IncFlush increments the flush counter for an outcome label.
func (m *Metrics) IncFlush(outcome string) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(outcome).Inc()
}

// IncBackoff increments the pacing backoff counter.
func (m *Metrics) IncBackoff() {
	if m == nil {
		return
	}
	m.BackoffEventsTotal.Inc()
}

// IncRetryWait increments the wait-and-resume counter.
func (m *Metrics) IncRetryWait() {
	if m == nil {
		return
	}
	m.RetryWaitsTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObservePacing records one applied inter-fetch delay.
func (m *Metrics) ObservePacing(d time.Duration) {
	if m == nil {
		return
	}
	m.PacingDelaySeconds.Observe(d.Seconds())
}
