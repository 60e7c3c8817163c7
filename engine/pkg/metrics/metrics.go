// Package metrics holds the Prometheus collectors for the ladder
// service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ladder_build_info",
			Help: "Build information of the ladder service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ladder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladder_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// TransitionsTotal counts committed challenge transitions by type
	// (started, promoted, reset, demoted).
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_challenge_transitions_total",
			Help: "Total number of committed challenge transitions",
		},
		[]string{"type"},
	)

	// StoreConflictsTotal counts profile writes rejected by the
	// version CAS.
	StoreConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ladder_store_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts on profile writes",
		},
	)

	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_sweep_runs_total",
			Help: "Total number of expiry sweep passes",
		},
		[]string{"status"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ladder_sweep_duration_seconds",
			Help:    "Duration of expiry sweep passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	SweepResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_sweep_resolutions_total",
			Help: "Total number of per-profile expiry resolutions by outcome",
		},
		[]string{"outcome"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise the raw path.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
