package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidleathers/agent-exchange/internal/service/exchange"
)

// Prometheus scrape surface for the exchange daemon. The OpenTelemetry
// registry carries the high-cardinality domain metrics; these gauges give
// dashboards and alerting a dependency-free pull endpoint.

var (
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ate",
			Name:      "build_info",
			Help:      "Build metadata, value fixed at 1",
		},
		[]string{"version"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ate",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "handler", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ate",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method", "handler"},
	)
)

// registerExchangeCollectors polls live exchange state on every scrape.
func registerExchangeCollectors(version string, x *exchange.Exchange) {
	buildInfo.WithLabelValues(version).Set(1)

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ate",
		Subsystem: "exchange",
		Name:      "registered_agents",
		Help:      "Number of agents in the registry",
	}, func() float64 {
		return float64(x.Status().AgentCount)
	})

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ate",
		Subsystem: "exchange",
		Name:      "queue_depth",
		Help:      "Tasks waiting for or sitting in auction",
	}, func() float64 {
		return float64(x.Status().QueueDepth)
	})

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ate",
		Subsystem: "exchange",
		Name:      "up",
		Help:      "1 while the exchange accepts submissions",
	}, func() float64 {
		if x.Status().Running {
			return 1
		}
		return 0
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// InstrumentHTTPHandler wraps a handler with request metrics. Not applied to
// the agent websocket: the wrapper hides http.Hijacker from the upgrader.
func InstrumentHTTPHandler(handlerName string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(wrapped, r)

		duration := time.Since(start).Seconds()
		status := statusCodeClass(wrapped.statusCode)
		httpRequestsTotal.WithLabelValues(r.Method, handlerName, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, handlerName).Observe(duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// statusCodeClass returns the status code class (2xx, 3xx, 4xx, 5xx).
func statusCodeClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
