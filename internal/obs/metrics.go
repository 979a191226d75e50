package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// LedgerOperationsTotal counts balance mutations by type and outcome
	// (committed, idempotent_replay, insufficient_balance, failed).
	LedgerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Balance mutations by operation type and outcome.",
		},
		[]string{"operation_type", "outcome"},
	)

	// LedgerConflictRetries counts optimistic-lock conflicts that triggered
	// a retry of the mutation attempt.
	LedgerConflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_version_conflicts_total",
		Help: "Optimistic-lock version conflicts detected on balance writes.",
	})

	// LedgerOperationDuration observes end-to-end mutation latency,
	// including retries.
	LedgerOperationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Balance mutation latency in seconds, retries included.",
		Buckets: prometheus.DefBuckets,
	})
)

// Init registers the metrics in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
		LedgerOperationsTotal, LedgerConflictRetries, LedgerOperationDuration)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures RPS, latency and in-flight count per request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
