package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlasdesk/mailroom/internal/queue"
)

// Metrics stores Prometheus collectors used by API, worker, and
// maintenance flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	messagesSentTotal      *prometheus.CounterVec
	messagesFailedTotal    *prometheus.CounterVec
	sendDuration           *prometheus.HistogramVec
	workerInflight         *prometheus.GaugeVec
	bulkRecipientsTotal    *prometheus.CounterVec
	retrySweptTotal        prometheus.Counter
	deadLetterDrainedTotal prometheus.Counter
	queueDepth             *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailroom",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "messages_sent_total",
				Help:      "Total number of messages handed to the relay successfully.",
			},
			[]string{"category"},
		),
		messagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "messages_failed_total",
				Help:      "Total number of delivery attempts that failed by category and reason.",
			},
			[]string{"category", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailroom",
				Name:      "send_duration_seconds",
				Help:      "Relay send duration in seconds grouped by category.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"category"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mailroom",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight delivery attempts grouped by category.",
			},
			[]string{"category"},
		),
		bulkRecipientsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "bulk_recipients_total",
				Help:      "Total number of bulk fan-out recipients grouped by admission outcome.",
			},
			[]string{"outcome"},
		),
		retrySweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "retry_swept_total",
				Help:      "Total number of failed messages re-enqueued by the retry sweep.",
			},
		),
		deadLetterDrainedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mailroom",
				Name:      "dead_letter_drained_total",
				Help:      "Total number of dead-letter jobs finalized into terminal records.",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mailroom",
				Name:      "queue_depth",
				Help:      "Current number of jobs in the queue grouped by state.",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesSentTotal,
		m.messagesFailedTotal,
		m.sendDuration,
		m.workerInflight,
		m.bulkRecipientsTotal,
		m.retrySweptTotal,
		m.deadLetterDrainedTotal,
		m.queueDepth,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncMessageSent(category string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeCategory(category)).Inc()
}

func (m *Metrics) IncMessageFailed(category string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.messagesFailedTotal.WithLabelValues(normalizeCategory(category), reasonLabel).Inc()
}

func (m *Metrics) ObserveSendDuration(category string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeCategory(category)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(category string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeCategory(category)).Inc()
}

func (m *Metrics) DecWorkerInFlight(category string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeCategory(category)).Dec()
}

func (m *Metrics) IncBulkRecipient(outcome string) {
	if m == nil {
		return
	}
	outcomeLabel := strings.TrimSpace(strings.ToLower(outcome))
	if outcomeLabel == "" {
		outcomeLabel = "unknown"
	}
	m.bulkRecipientsTotal.WithLabelValues(outcomeLabel).Inc()
}

func (m *Metrics) IncRetrySwept() {
	if m == nil {
		return
	}
	m.retrySweptTotal.Inc()
}

func (m *Metrics) IncDeadLetterDrained() {
	if m == nil {
		return
	}
	m.deadLetterDrainedTotal.Inc()
}

func (m *Metrics) SetQueueDepth(counts queue.Counts) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("waiting").Set(float64(counts.Waiting))
	m.queueDepth.WithLabelValues("delayed").Set(float64(counts.Delayed))
	m.queueDepth.WithLabelValues("active").Set(float64(counts.Active))
	m.queueDepth.WithLabelValues("completed").Set(float64(counts.Completed))
	m.queueDepth.WithLabelValues("failed").Set(float64(counts.Failed))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeCategory(category string) string {
	normalized := strings.ToLower(strings.TrimSpace(category))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
