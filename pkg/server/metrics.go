package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchsmith_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patchsmith_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	tasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchsmith_tasks_started_total",
		Help: "Tasks fired by trigger comments.",
	})

	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchsmith_tasks_completed_total",
		Help: "Tasks that finished successfully.",
	})

	tasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchsmith_tasks_failed_total",
		Help: "Tasks that ended in failure.",
	})
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := routePattern(r)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}

// routePattern extracts the matched pattern from chi's route context,
// falling back to the raw path outside the router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
