/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request, echoed in logs and error reports
  2. RealIP:        Client address behind a proxy
  3. RequestLogger: One structured logrus line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the review frontend
  6. RequireTenant: /api only, X-Tenant-ID header

ROUTE GROUPS:
  /health               Liveness (no tenant)
  /api/runs/*           Runs, detection, review, export, trace
  /api/jobs/*           Deferred reconciliation jobs
  /api/employees/*      Trace source: directory
  /api/recommendations  Trace source: compensation recommendations
  /api/audit            Trace source: audit log
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. X-Tenant-ID is trusted as sent; deploy
  behind a gateway that sets it from the caller's credentials.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins falls back to the local development origins.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TenantHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireTenant)

		// Run routes
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.CreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRun)
				r.Post("/check", h.CheckRun)
				r.Post("/approve", h.ApproveRun)
				r.Post("/finalize", h.FinalizeRun)
				r.Post("/reopen", h.ReopenRun)
				r.Get("/report", h.GetReport)
				r.Get("/anomalies", h.ListAnomalies)
				r.Post("/anomalies/{anomalyId}/resolve", h.ResolveAnomaly)
				r.Get("/export", h.ExportReport)
				r.Get("/employees/{employeeId}/trace", h.TraceEmployee)
			})
		})

		// Job routes
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
		})

		// Trace source routes
		r.Post("/employees", h.CreateEmployee)
		r.Get("/employees/{id}", h.GetEmployee)
		r.Post("/recommendations", h.CreateRecommendation)
		r.Post("/audit", h.AppendAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// RequestLogger logs one line per request once the response is written.
func RequestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := logger.WithFields(logrus.Fields{
					"request_id":  middleware.GetReqID(r.Context()),
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"remote_addr": r.RemoteAddr,
				})
				if tenantID := r.Header.Get(TenantHeader); tenantID != "" {
					entry = entry.WithField("tenant_id", tenantID)
				}
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request failed")
					return
				}
				entry.Info("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
