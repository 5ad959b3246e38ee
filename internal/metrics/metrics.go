// Package metrics exposes Prometheus collectors for the tool runner.
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

var (
	requestsSubmittedTotal     *prometheus.CounterVec
	requestsCompletedTotal     *prometheus.CounterVec
	toolRunDurationSeconds     *prometheus.HistogramVec
	pageLoadsTotal             *prometheus.CounterVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	webhookAttemptsTotal       prometheus.Counter
	activeProcessors           prometheus.Gauge
	queueUnassignedRequests    prometheus.Gauge
	queuePendingRequests       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrunner_requests_submitted_total",
				Help: "Requests accepted by the queue, labeled by tool and whether they merged into an open row.",
			},
			[]string{"tool", "outcome"},
		)

		requestsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrunner_requests_completed_total",
				Help: "Requests completed by a processor, labeled by tool and status.",
			},
			[]string{"tool", "status"},
		)

		toolRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolrunner_tool_run_duration_seconds",
				Help:    "Histogram of processing time per request, labeled by tool.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		)

		pageLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrunner_page_loads_total",
				Help: "Page navigations, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrunner_webhook_deliveries_total",
				Help: "Webhook notifications, labeled by payload type and final outcome.",
			},
			[]string{"type", "outcome"},
		)

		webhookAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "toolrunner_webhook_attempts_total",
				Help: "Total webhook POST attempts, including retries.",
			},
		)

		activeProcessors = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolrunner_active_processors",
				Help: "Number of live processors holding a browser page.",
			},
		)

		queueUnassignedRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolrunner_queue_unassigned_requests",
				Help: "Open requests never claimed by a processor.",
			},
		)

		queuePendingRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolrunner_queue_pending_requests",
				Help: "Claimed requests not yet completed.",
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

// ObserveSubmission counts one (url, tool) row from a submission.
func ObserveSubmission(tool string, merged bool) {
	Init()
	outcome := "inserted"
	if merged {
		outcome = "merged"
	}
	requestsSubmittedTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveCompletion records the end of a request. processingTime is ignored on failure.
func ObserveCompletion(tool string, success bool, processingTime time.Duration) {
	Init()
	status := "success"
	if !success {
		status = "failure"
	}
	requestsCompletedTotal.WithLabelValues(tool, status).Inc()
	if success {
		toolRunDurationSeconds.WithLabelValues(tool).Observe(processingTime.Seconds())
	}
}

// ObservePageLoad records a navigation outcome for the page's site.
func ObservePageLoad(rawURL, status string) {
	Init()
	pageLoadsTotal.WithLabelValues(SanitizeSite(rawURL), status).Inc()
}

// ObserveWebhookAttempt counts one POST to the webhook.
func ObserveWebhookAttempt() {
	Init()
	webhookAttemptsTotal.Inc()
}

// ObserveWebhookDelivery records the final outcome of a notification.
func ObserveWebhookDelivery(payloadType, outcome string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(payloadType, outcome).Inc()
}

// IncActiveProcessors increments the active processors gauge.
func IncActiveProcessors() {
	Init()
	activeProcessors.Inc()
}

// DecActiveProcessors decrements the active processors gauge.
func DecActiveProcessors() {
	Init()
	activeProcessors.Dec()
}

// SetQueueDepth publishes the queue gauges.
func SetQueueDepth(unassigned, pending int) {
	Init()
	queueUnassignedRequests.Set(float64(unassigned))
	queuePendingRequests.Set(float64(pending))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
