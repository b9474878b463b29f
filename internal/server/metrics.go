package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by route pattern rather than raw
// path, so /api/points/{id} stays one series.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// Tests inject a fresh prometheus.Registry through Config.MetricsRegistry.
type serverMetrics struct {
	// httpRequestsTotal counts requests by method, route pattern and status.
	httpRequestsTotal *prometheus.CounterVec
	// httpDurationSeconds records request latency by method and route.
	httpDurationSeconds *prometheus.HistogramVec
	// rateLimitedTotal counts requests rejected with 429.
	rateLimitedTotal prometheus.Counter
	// searchResults records how many results each successful search returned.
	searchResults *prometheus.HistogramVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpmatch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpmatch",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		rateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kpmatch",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-IP rate limiter.",
		}),

		searchResults: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpmatch",
			Subsystem: "search",
			Name:      "results",
			Help:      "Number of results returned per successful search, partitioned by mode.",
			Buckets:   []float64{0, 1, 3, 5, 10, 20, 50, 100},
		}, []string{"mode"}),
	}
}

// instrument records request count and latency. It must wrap the mux
// directly: the mux sets r.Pattern on the request it is handed.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		s.metrics.httpDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
