// Package telemetry exposes Prometheus collectors for the scraper service.
package telemetry

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
	scraperJobsTotal              *prometheus.CounterVec
	scraperAdmissionDeniedTotal   *prometheus.CounterVec
	scraperActiveWorkers          prometheus.Gauge
	scraperHealthyProxies         prometheus.Gauge
	scraperProxyReportsTotal      *prometheus.CounterVec
	scraperExecutionSeconds       prometheus.Histogram
	scraperExecutionRetriesTotal  prometheus.Counter
	scraperWebhookDeliveriesTotal *prometheus.CounterVec
	scraperJobDeferralsTotal      *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		scraperJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		scraperAdmissionDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_admission_denied_total",
				Help: "Total admission denials, labeled by the exhausted window.",
			},
			[]string{"window"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently executing a scrape.",
			},
		)

		scraperHealthyProxies = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_healthy_proxies",
				Help: "Number of proxy endpoints currently selectable.",
			},
		)

		scraperProxyReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_proxy_reports_total",
				Help: "Total proxy execution outcomes, labeled by result.",
			},
			[]string{"outcome"},
		)

		scraperExecutionSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_execution_duration_seconds",
				Help:    "Histogram of external scrape execution latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		scraperExecutionRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_execution_retries_total",
				Help: "Total transient execution failures retried on another proxy.",
			},
		)

		scraperWebhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_webhook_deliveries_total",
				Help: "Total webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperJobDeferralsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_job_deferrals_total",
				Help: "Total dispatch deferrals, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveJob counts a terminal job status.
func ObserveJob(status string) {
	scraperJobsTotal.WithLabelValues(status).Inc()
}

// ObserveAdmissionDenied counts a rate-limit denial for a window kind.
func ObserveAdmissionDenied(window string) {
	scraperAdmissionDeniedTotal.WithLabelValues(window).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scraperActiveWorkers.Dec()
}

// SetHealthyProxies records the current selectable proxy count.
func SetHealthyProxies(n int) {
	scraperHealthyProxies.Set(float64(n))
}

// ObserveProxyReport counts an execution outcome against a proxy.
func ObserveProxyReport(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	scraperProxyReportsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExecution records one external scrape duration.
func ObserveExecution(duration time.Duration) {
	scraperExecutionSeconds.Observe(duration.Seconds())
}

// ObserveExecutionRetry counts a transient failure retried elsewhere.
func ObserveExecutionRetry() {
	scraperExecutionRetriesTotal.Inc()
}

// ObserveWebhookDelivery counts one delivery attempt outcome:
// "delivered", "retried", or "exhausted".
func ObserveWebhookDelivery(outcome string) {
	scraperWebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobDeferral counts a dispatch deferral by reason:
// "rate_limited" or "no_proxy".
func ObserveJobDeferral(reason string) {
	scraperJobDeferralsTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest records the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
