package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	shieldEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shield_events_total",
		Help: "Security events processed by type and severity band.",
	}, []string{"event_type", "band"})

	shieldActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shield_actions_total",
		Help: "Response actions by name and outcome.",
	}, []string{"action", "outcome"})

	shieldRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shield_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	shieldRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shield_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	shieldToolConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shield_tool_provider_connected",
		Help: "1 when the tool provider session is connected, 0 otherwise.",
	})
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
			path = c.Request.URL.Path
		}

		shieldRequestsTotal.WithLabelValues(method, path, status).Inc()
		shieldRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEvent records a processed event.
func RecordEvent(eventType, band string) {
	shieldEventsTotal.WithLabelValues(eventType, band).Inc()
}

// RecordAction records a response action outcome.
func RecordAction(action string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	shieldActionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordToolState publishes the tool provider connection state.
func RecordToolState(connected bool) {
	if connected {
		shieldToolConnected.Set(1)
	} else {
		shieldToolConnected.Set(0)
	}
}
