package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts ingress HTTP requests by route/method/status.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sidefx_http_requests_total",
		Help: "Total HTTP requests processed by the ingress server.",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration observes ingress HTTP request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sidefx_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	// ClaimsWonTotal counts successful ledger claim wins (this delivery owns
	// the effect).
	ClaimsWonTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sidefx_ledger_claims_won_total",
		Help: "Effect ledger claims won by this process.",
	}, []string{"run_id"})

	// ClaimsLostTotal counts claims that lost the race (effect already owned).
	ClaimsLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sidefx_ledger_claims_lost_total",
		Help: "Effect ledger claims lost (another delivery already owns the effect).",
	}, []string{"run_id"})

	// ArtifactsCreatedTotal counts artifact writes that actually created a
	// new file (as opposed to finding one already present).
	ArtifactsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sidefx_artifacts_created_total",
		Help: "Artifacts newly created by the sink.",
	})

	// HealsTotal counts heal transitions (a delivery observed an existing
	// artifact and closed out a stuck in_progress ledger row on its behalf).
	HealsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sidefx_ledger_heals_total",
		Help: "Ledger rows healed from in_progress to done by a later delivery.",
	})

	// RetriesScheduledTotal counts retry-as-new-message productions.
	RetriesScheduledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sidefx_retries_scheduled_total",
		Help: "Retries scheduled (reproduced as new messages) by the scheduler.",
	}, []string{"run_id"})

	// DLQRecordsTotal counts commands routed to the dead letter queue.
	DLQRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sidefx_dlq_records_total",
		Help: "Commands exhausted and routed to the dead letter queue.",
	}, []string{"run_id"})

	// EventEmitFailuresTotal counts best-effort event emission failures.
	EventEmitFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sidefx_event_emit_failures_total",
		Help: "Failures producing a run event (non-fatal, best-effort).",
	}, []string{"event_type"})

	// StuckClaimsGauge reports in_progress ledger rows older than the
	// configured sweep age, for operator visibility only.
	StuckClaimsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sidefx_ledger_stuck_claims",
		Help: "in_progress ledger rows older than the sweep threshold.",
	})
)

// InitMetrics registers all collectors with the default Prometheus registry.
// It is safe to call exactly once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ClaimsWonTotal,
		ClaimsLostTotal,
		ArtifactsCreatedTotal,
		HealsTotal,
		RetriesScheduledTotal,
		DLQRecordsTotal,
		EventEmitFailuresTotal,
		StuckClaimsGauge,
	)
}

// HTTPMetricsMiddleware records request counts and latency per chi route
// pattern, falling back to the raw path when no pattern is matched.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
