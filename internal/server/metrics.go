package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by logical endpoint name rather than
// the raw URL path, which carries record ids.
const labelHandler = "handler"

// Reasons of docpipe_http_rejected_total.
const (
	rejectUnauthorized = "unauthorized"
	rejectRateLimited  = "rate_limited"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
type serverMetrics struct {
	// httpRequestsTotal counts requests by method, handler and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records request latency by method and handler.
	httpDurationSeconds *prometheus.HistogramVec

	// httpInFlight is the number of requests currently being served.
	httpInFlight prometheus.Gauge

	// httpRejectedTotal counts requests refused before reaching a handler.
	httpRejectedTotal *prometheus.CounterVec

	// dependencyUp is 1 when the last readiness probe of a dependency passed.
	dependencyUp *prometheus.GaugeVec
}

// newServerMetrics registers against reg so tests can inject a fresh
// prometheus.Registry.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docpipe",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 300},
		}, []string{"method", labelHandler}),

		httpInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docpipe",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being served.",
		}),

		httpRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests refused by authentication or rate limiting, by reason.",
		}, []string{"reason"}),

		dependencyUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docpipe",
			Name:      "dependency_up",
			Help:      "Result of the last readiness probe per dependency (1 up, 0 down).",
		}, []string{"dependency"}),
	}
}

// instrument records request count, latency and in-flight gauge for next
// under the given handler label.
func (s *Server) instrument(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.httpInFlight.Inc()
		defer s.metrics.httpInFlight.Dec()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		s.metrics.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
		s.metrics.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(rw.status)).Inc()
	})
}
