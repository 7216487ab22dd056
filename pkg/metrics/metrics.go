package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Job metrics
	JobsTotal         *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	JobsInProgress    prometheus.Gauge
	JobsQueued        prometheus.Gauge
	RecordsProcessed  *prometheus.CounterVec
	RecordsSkipped    *prometheus.CounterVec
	StrategyFallbacks *prometheus.CounterVec

	// External API metrics
	ExternalAPICalls    *prometheus.CounterVec
	ExternalAPIDuration *prometheus.HistogramVec
	ExternalAPIFailures *prometheus.CounterVec

	// Credential metrics
	CredentialValidations *prometheus.CounterVec

	// Business metrics
	AnalysesComputed *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Total number of finished ingestion jobs",
			},
			[]string{"status", "strategy"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_job_duration_seconds",
				Help:    "Ingestion job duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"strategy"},
		),

		JobsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_jobs_in_progress",
				Help: "Number of ingestion jobs currently running",
			},
		),

		JobsQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_jobs_queued",
				Help: "Number of ingestion jobs waiting for a worker slot",
			},
		),

		RecordsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_processed_total",
				Help: "Total number of ad records normalized",
			},
			[]string{"source"},
		),

		RecordsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_skipped_total",
				Help: "Total number of ad records skipped during normalization",
			},
			[]string{"source", "reason"},
		),

		StrategyFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_strategy_fallbacks_total",
				Help: "Total number of API to fallback strategy switches",
			},
			[]string{"reason"},
		),

		ExternalAPICalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "external_api_calls_total",
				Help: "Total number of external API calls",
			},
			[]string{"api", "status"},
		),

		ExternalAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "external_api_duration_seconds",
				Help:    "External API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api"},
		),

		ExternalAPIFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "external_api_failures_total",
				Help: "Total number of external API failures",
			},
			[]string{"api", "error_type"},
		),

		CredentialValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_validations_total",
				Help: "Total number of credential validations by outcome",
			},
			[]string{"result"},
		),

		AnalysesComputed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyses_computed_total",
				Help: "Total number of market analyses computed",
			},
			[]string{"policy"},
		),
	}
}

// HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Finished job metrics
func (m *Metrics) RecordJob(status, strategy string, duration time.Duration) {
	m.JobsTotal.WithLabelValues(status, strategy).Inc()
	m.JobDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// Normalized record metrics
func (m *Metrics) RecordProcessed(source string, count int) {
	m.RecordsProcessed.WithLabelValues(source).Add(float64(count))
}

// Skipped record metrics
func (m *Metrics) RecordSkipped(source, reason string) {
	m.RecordsSkipped.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) RecordStrategyFallback(reason string) {
	m.StrategyFallbacks.WithLabelValues(reason).Inc()
}

// External API call metrics
func (m *Metrics) RecordExternalAPICall(api, status string, duration time.Duration) {
	m.ExternalAPICalls.WithLabelValues(api, status).Inc()
	m.ExternalAPIDuration.WithLabelValues(api).Observe(duration.Seconds())
}

// External API failure metrics
func (m *Metrics) RecordExternalAPIFailure(api, errorType string) {
	m.ExternalAPIFailures.WithLabelValues(api, errorType).Inc()
}

func (m *Metrics) RecordCredentialValidation(result string) {
	m.CredentialValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAnalysis(policy string) {
	m.AnalysesComputed.WithLabelValues(policy).Inc()
}

// Running jobs gauge
func (m *Metrics) IncJobsInProgress() {
	m.JobsInProgress.Inc()
}

// Running jobs gauge
func (m *Metrics) DecJobsInProgress() {
	m.JobsInProgress.Dec()
}

func (m *Metrics) IncJobsQueued() {
	m.JobsQueued.Inc()
}

func (m *Metrics) DecJobsQueued() {
	m.JobsQueued.Dec()
}

// HTTP requests in flight counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// HTTP requests in flight counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
