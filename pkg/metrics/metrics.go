package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrack_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Sync pipeline metrics
	SyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrack_syncs_total",
			Help: "Total number of account syncs by outcome",
		},
		[]string{"outcome"}, // success, failed, in_progress_rejected
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptrack_sync_duration_seconds",
			Help:    "End-to-end duration of one account sync",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	HoldingsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrack_holdings_reconciled_total",
			Help: "Holdings touched by reconciliation, by operation",
		},
		[]string{"operation"}, // created, updated, closed, skipped
	)

	// Session metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrack_broker_auth_attempts_total",
			Help: "Broker authentication attempts by result",
		},
		[]string{"result"}, // restored, authenticated, mfa_required, verification_timeout, failed
	)

	VerificationPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ptrack_verification_polls_total",
			Help: "Verification challenge status polls issued",
		},
	)

	// Broker API client metrics
	BrokerAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrack_broker_api_calls_total",
			Help: "Broker API calls by endpoint and status code",
		},
		[]string{"endpoint", "status_code"},
	)

	BrokerAPICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptrack_broker_api_call_duration_seconds",
			Help:    "Broker API call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptrack_broker_circuit_breaker_state",
			Help: "Broker client circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// Cache metrics
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrack_cache_requests_total",
			Help: "Cache lookups by view and result",
		},
		[]string{"view", "result"}, // hit, miss, error
	)

	// Scheduled job metrics
	ScheduledJobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrack_scheduled_job_runs_total",
			Help: "Scheduled job executions by job and outcome",
		},
		[]string{"job", "outcome"},
	)
)

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, endpoint, statusCode string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordSync records the outcome and duration of one sync attempt.
func RecordSync(outcome string, durationSeconds float64) {
	SyncsTotal.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		SyncDuration.Observe(durationSeconds)
	}
}

// RecordBrokerCall records one broker API round trip.
func RecordBrokerCall(endpoint, statusCode string, duration float64) {
	BrokerAPICallsTotal.WithLabelValues(endpoint, statusCode).Inc()
	BrokerAPICallDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordCacheLookup records a cache hit/miss/error for a view.
func RecordCacheLookup(view, result string) {
	CacheRequestsTotal.WithLabelValues(view, result).Inc()
}
