package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RulesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nre_rules_executed_total",
			Help: "Top level rule executions by result",
		},
		[]string{"result"},
	)

	RuleExecDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nre_rule_exec_duration_seconds",
			Help:    "Duration of top level rule executions",
			Buckets: prometheus.DefBuckets,
		},
	)

	MsiCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nre_msi_calls_total",
			Help: "Microservice calls by name and result",
		},
		[]string{"name", "result"},
	)

	CachePublish = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nre_cache_publish_total",
			Help: "Rule cache publish attempts by result",
		},
		[]string{"result"},
	)

	CacheRestore = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nre_cache_restore_total",
			Help: "Rule cache restores by result",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nre_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nre_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Result turns an error into a low-cardinality label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Middleware records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.status)

		// route pattern keeps rule names out of the label set
		routePattern := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			routePattern = rc.RoutePattern()
		}
		if routePattern == "" {
			routePattern = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
