// Package metrics exposes Prometheus collectors for the acquisition service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesExtractedTotal     *prometheus.CounterVec
	escalationsTotal        *prometheus.CounterVec
	creditsSpentTotal       *prometheus.CounterVec
	creditsRefundedTotal    *prometheus.CounterVec
	validationScore         prometheus.Histogram
	sessionsTotal           *prometheus.CounterVec
	extractionRetriesTotal  *prometheus.CounterVec
	backendDurationSeconds  *prometheus.HistogramVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		pagesExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webintel_pages_extracted_total",
				Help: "Pages extracted, labeled by backend and status.",
			},
			[]string{"backend", "status"},
		)
		escalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webintel_escalations_total",
				Help: "Pages re-extracted at a higher tier, labeled by reason.",
			},
			[]string{"reason"},
		)
		creditsSpentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webintel_credits_spent_total",
				Help: "Credits debited, labeled by backend.",
			},
			[]string{"backend"},
		)
		creditsRefundedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webintel_credits_refunded_total",
				Help: "Credits refunded after failed paid operations.",
			},
			[]string{"backend"},
		)
		validationScore = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webintel_validation_score",
				Help:    "Distribution of per-page validation scores.",
				Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.85, 1},
			},
		)
		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webintel_sessions_total",
				Help: "Sessions finished, labeled by terminal phase.",
			},
			[]string{"phase"},
		)
		extractionRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webintel_extraction_retries_total",
				Help: "Per-URL extraction retries, labeled by fault class.",
			},
			[]string{"class"},
		)
		backendDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webintel_backend_duration_seconds",
				Help:    "Backend call latencies, labeled by backend.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// PageExtracted records one extraction outcome.
func PageExtracted(backend, status string) {
	if pagesExtractedTotal != nil {
		pagesExtractedTotal.WithLabelValues(backend, status).Inc()
	}
}

// Escalation records one page escalation.
func Escalation(reason string) {
	if escalationsTotal != nil {
		escalationsTotal.WithLabelValues(reason).Inc()
	}
}

// CreditsSpent adds debited credits.
func CreditsSpent(backend string, amount int) {
	if creditsSpentTotal != nil {
		creditsSpentTotal.WithLabelValues(backend).Add(float64(amount))
	}
}

// CreditsRefunded adds refunded credits.
func CreditsRefunded(backend string, amount int) {
	if creditsRefundedTotal != nil {
		creditsRefundedTotal.WithLabelValues(backend).Add(float64(amount))
	}
}

// ValidationScore observes one page score.
func ValidationScore(score float64) {
	if validationScore != nil {
		validationScore.Observe(score)
	}
}

// SessionFinished records a terminal phase.
func SessionFinished(phase string) {
	if sessionsTotal != nil {
		sessionsTotal.WithLabelValues(phase).Inc()
	}
}

// ExtractionRetry records one retry decision.
func ExtractionRetry(class string) {
	if extractionRetriesTotal != nil {
		extractionRetriesTotal.WithLabelValues(class).Inc()
	}
}

// BackendDuration observes one backend call.
func BackendDuration(backend string, seconds float64) {
	if backendDurationSeconds != nil {
		backendDurationSeconds.WithLabelValues(backend).Observe(seconds)
	}
}

// HTTPRequest records one served request.
func HTTPRequest(method, code string) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, code).Inc()
	}
}

// HTTPDuration observes one served request latency.
func HTTPDuration(method, route string, seconds float64) {
	if httpRequestDurationSecs != nil {
		httpRequestDurationSecs.WithLabelValues(method, route).Observe(seconds)
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
