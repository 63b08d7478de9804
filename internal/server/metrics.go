package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	reportQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_queries_total",
			Help: "Total number of report queries served, by report",
		},
		[]string{"report"},
	)

	reportRowsReturned = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "report_rows_returned",
			Help:    "Rows returned per report query",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
		[]string{"report"},
	)

	pipelineEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_total",
			Help: "Pipeline board events published on the bus",
		},
		[]string{"event_type"},
	)

	dependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Status of dependencies (1 = up, 0 = down)",
		},
		[]string{"service"},
	)
)

// CountPipelineEvent increments the pipeline event counter. Registered as an
// event bus subscriber in main.
func CountPipelineEvent(eventType string) {
	pipelineEventsTotal.WithLabelValues(eventType).Inc()
}

// metricsMiddleware records per-request counters and latency.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())

		// Use the route pattern, not the raw path, to keep label cardinality
		// bounded.
		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, routePath, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePath, status).Observe(duration)
	})
}

// registerMetrics registers the /metrics endpoint.
func (s *Server) registerMetrics() {
	s.router.Handle("/metrics", promhttp.Handler())
}

// StartHealthMetrics starts a background goroutine updating dependency
// health gauges.
func (s *Server) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (s *Server) updateHealthMetrics(ctx context.Context) {
	for name, check := range s.checks {
		status := 0.0
		if err := check.Health(ctx); err == nil {
			status = 1.0
		}
		dependencyUp.WithLabelValues(name).Set(status)
	}
}
