package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sidefxio/sidefx/internal/observability"
)

// parseOrigins splits a comma-separated CORS origin list, defaulting to "*"
// when empty.
func parseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// NewRouter builds the ingress HTTP handler: standard middleware chain
// (request id, recoverer, CORS, per-IP rate limiting on the mutating route,
// OpenTelemetry instrumentation), then the run-creation, SSE, health, and
// debug routes (§4.7).
func NewRouter(srv *Server, corsOrigins string, rateLimitPerMin int) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseOrigins(corsOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(rateLimitPerMin, time.Minute))
		wr.Post("/runs", srv.CreateRunHandler())
	})

	r.Get("/runs/{id}/events", srv.StreamEventsHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())

	r.Get("/debug/ledger/{effect_id}", srv.DebugLedgerHandler())
	r.Get("/debug/artifacts", srv.DebugArtifactsHandler())
	r.Get("/debug/dlq", srv.DebugDLQHandler())
	r.Get("/debug/registry", srv.DebugRegistryHandler())
	r.Get("/debug/events/{run_id}", srv.DebugEventsHandler())

	return SecurityHeaders(otelhttp.NewHandler(r, "sidefx-ingress"))
}
