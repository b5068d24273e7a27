package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_ledger_appends_total",
		Help: "Ledger append attempts by event type and result.",
	}, []string{"event_type", "result"})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rentledger_ledger_append_duration_seconds",
		Help:    "Ledger append latency, including the exclusive section.",
		Buckets: prometheus.DefBuckets,
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_chain_verifications_total",
		Help: "Chain verifications by result.",
	}, []string{"result"})

	chainBreaksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_chain_breaks_total",
		Help: "Integrity breaks found by verification, by kind.",
	}, []string{"kind"})

	sinkDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_sink_deliveries_total",
		Help: "Downstream sink deliveries by sink and result.",
	}, []string{"sink", "result"})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// LedgerMetrics records ledger operations. It implements ledger.Metrics.
type LedgerMetrics struct{}

// ObserveAppend implements ledger.Metrics.
func (LedgerMetrics) ObserveAppend(eventType ledger.EventType, elapsed time.Duration, err error) {
	appendsTotal.WithLabelValues(string(eventType), appendResult(err)).Inc()
	appendDuration.Observe(elapsed.Seconds())
}

// ObserveVerify implements ledger.Metrics.
func (LedgerMetrics) ObserveVerify(r *ledger.Report) {
	if r.Valid {
		verificationsTotal.WithLabelValues("valid").Inc()
	} else {
		verificationsTotal.WithLabelValues("invalid").Inc()
	}
	for _, b := range r.Breaks {
		chainBreaksTotal.WithLabelValues(string(b.Kind)).Inc()
	}
}

func appendResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrDenied):
		return "denied"
	case errors.Is(err, ledger.ErrValidation):
		return "invalid"
	case errors.Is(err, ledger.ErrConflictOrTimeout):
		return "conflict"
	default:
		return "error"
	}
}

// RecordSinkDelivery records a downstream sink outcome. It matches
// ledger.DeliveryRecorder.
func RecordSinkDelivery(sink string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	sinkDeliveriesTotal.WithLabelValues(sink, result).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		webhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		webhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
