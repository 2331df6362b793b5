package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/leanpub-report/models"
)

// Metrics bundles Prometheus collectors for a run.
type Metrics struct {
	Registry             *prometheus.Registry
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	BooksDiscoveredTotal *prometheus.CounterVec
	CategoryFetchesTotal *prometheus.CounterVec
	RetriesTotal         prometheus.Counter
	ReauthTotal          prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
	InFlight             prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leanpub_requests_total",
			Help: "Total HTTP requests issued, by endpoint.",
		},
		[]string{"endpoint"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leanpub_request_duration_seconds",
			Help:    "HTTP request latency, by endpoint.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	books := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leanpub_books_discovered_total",
			Help: "Books found on the dashboard listings, by status.",
		},
		[]string{"status"},
	)
	categoryFetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leanpub_category_fetches_total",
			Help: "Finished category fetches, by result.",
		},
		[]string{"result"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leanpub_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	reauth := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leanpub_reauthentications_total",
			Help: "Logins performed after a session expired mid-run.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leanpub_errors_total",
			Help: "Total number of errors by type.",
		},
		[]string{"error_type"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leanpub_category_fetches_in_flight",
			Help: "Category fetches currently running.",
		},
	)

	registry.MustRegister(requests, requestDuration, books, categoryFetches, retries, reauth, errorsTotal, inFlight)

	return &Metrics{
		Registry:             registry,
		RequestsTotal:        requests,
		RequestDuration:      requestDuration,
		BooksDiscoveredTotal: books,
		CategoryFetchesTotal: categoryFetches,
		RetriesTotal:         retries,
		ReauthTotal:          reauth,
		ErrorsTotal:          errorsTotal,
		InFlight:             inFlight,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(endpoint string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// AddBooks counts books discovered on a listing.
func (m *Metrics) AddBooks(status models.Status, n int) {
	if m == nil {
		return
	}
	m.BooksDiscoveredTotal.WithLabelValues(string(status)).Add(float64(n))
}

// IncCategoryFetch counts a finished category fetch; result is "ok" or an error kind.
func (m *Metrics) IncCategoryFetch(result string) {
	if m == nil {
		return
	}
	m.CategoryFetchesTotal.WithLabelValues(result).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncReauth increments the re-authentication counter.
func (m *Metrics) IncReauth() {
	if m == nil {
		return
	}
	m.ReauthTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// TrackInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) TrackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
