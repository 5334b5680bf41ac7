// Package metrics exposes the platform's Prometheus collectors.
package metrics

import (
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
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "synapse_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "route"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_cache_hits_total",
			Help: "Prediction cache hits by service",
		},
		[]string{"service"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_cache_misses_total",
			Help: "Prediction cache misses by service",
		},
		[]string{"service"},
	)

	ModelLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "synapse_model_loaded",
			Help: "1 when a trained artifact is serving for the service, 0 otherwise",
		},
		[]string{"service"},
	)

	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_training_runs_total",
			Help: "Training runs by task and outcome",
		},
		[]string{"task", "status"},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "synapse_task_queue_depth",
			Help: "Pending entries on the training task stream",
		},
	)

	PredictionLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "synapse_prediction_log_dropped_total",
			Help: "Prediction log entries dropped because the stream was unavailable",
		},
	)

	ActiveLoadSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "synapse_cogload_active_sessions",
			Help: "Sessions currently tracked by the cognitive load estimator",
		},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_routing_decisions_total",
			Help: "Routing decisions by algorithm and recommended module",
		},
		[]string{"algorithm", "module"},
	)
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
