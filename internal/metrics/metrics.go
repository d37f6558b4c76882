// Package metrics exposes Prometheus collectors for the sentinel pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlTicksTotal            *prometheus.CounterVec
	crawlTermsTotal            *prometheus.CounterVec
	itemsIngestedTotal         prometheus.Counter
	activeJobs                 prometheus.Gauge
	classificationsTotal       *prometheus.CounterVec
	ruleEvaluationsTotal       *prometheus.CounterVec
	alertsTotal                *prometheus.CounterVec
	loginAttemptsTotal         *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	eventsDroppedTotal         prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_crawl_ticks_total",
				Help: "Crawl ticks executed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlTermsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_crawl_terms_total",
				Help: "Search terms processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		itemsIngestedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_items_ingested_total",
				Help: "New items persisted by crawl ticks.",
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_active_jobs",
				Help: "Number of campaigns with a scheduled crawl job.",
			},
		)

		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_classifications_total",
				Help: "Oracle classifications, labeled by result.",
			},
			[]string{"result"},
		)

		ruleEvaluationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_rule_evaluations_total",
				Help: "Rule evaluations, labeled by result (match, miss, error).",
			},
			[]string{"result"},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_alerts_total",
				Help: "Alerts created, labeled by severity and provenance.",
			},
			[]string{"severity", "triggered_by"},
		)

		loginAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_login_attempts_total",
				Help: "Content source login attempts, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"limiter"},
		)

		eventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_events_dropped_total",
				Help: "Outbound events dropped because the fan-out buffer was full.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick records the outcome of one crawl tick.
func ObserveTick(outcome string) {
	Init()
	crawlTicksTotal.WithLabelValues(outcome).Inc()
}

// ObserveTerm records the outcome of one search term.
func ObserveTerm(outcome string) {
	Init()
	crawlTermsTotal.WithLabelValues(outcome).Inc()
}

// AddItemsIngested counts newly persisted items.
func AddItemsIngested(n int) {
	Init()
	if n > 0 {
		itemsIngestedTotal.Add(float64(n))
	}
}

// SetActiveJobs reports the number of scheduled crawl jobs.
func SetActiveJobs(n int) {
	Init()
	activeJobs.Set(float64(n))
}

// ObserveClassification records one oracle call.
func ObserveClassification(result string) {
	Init()
	classificationsTotal.WithLabelValues(result).Inc()
}

// ObserveRuleEvaluation records one rule evaluation.
func ObserveRuleEvaluation(result string) {
	Init()
	ruleEvaluationsTotal.WithLabelValues(result).Inc()
}

// ObserveAlert records a created alert.
func ObserveAlert(severity, triggeredBy string) {
	Init()
	alertsTotal.WithLabelValues(severity, triggeredBy).Inc()
}

// ObserveLogin records one login attempt.
func ObserveLogin(result string) {
	Init()
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// IncEventsDropped counts one event dropped by the fan-out hub.
func IncEventsDropped() {
	Init()
	eventsDroppedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
