/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. RealIP:      Client address for rate limiting
  3. Logger:      One logrus entry per request
  4. Recoverer:   Panic recovery (500 instead of crash)
  5. Metrics:     Prometheus request count and duration (optional)
  6. CORS:        Cross-origin requests for frontends
  Mutating routes additionally pass through the rate limiter (optional).

ROUTE GROUPS:
  /api/programs/*    Programs, tiers, tasks, accounts, transactions
  /api/tasks/*       Tasks and task progress
  /api/points/*      Earn and redeem
  /api/scenarios/*   Demo scenarios
  /api/audit         Ledger audit (when a scheduler is configured)
  /metrics           Prometheus (when metrics are configured)
  /healthz           Liveness and store ping

SECURITY NOTE:
  No authentication middleware. Callers are authenticated upstream.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/loyalty-engine/internal/logging"
	"github.com/warp/loyalty-engine/internal/metrics"
)

// RouterOptions holds optional router collaborators. Nil fields are skipped.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *metrics.Metrics
	Limiter     *RateLimiter
	Scheduler   *AuditScheduler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	limit := func(next http.Handler) http.Handler { return next }
	if opts.Limiter != nil {
		limit = opts.Limiter.Handler
	}

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Program routes
		r.Route("/programs", func(r chi.Router) {
			r.Get("/", h.ListPrograms)
			r.With(limit).Post("/", h.CreateProgram)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetProgram)
				r.With(limit).Put("/", h.UpdateProgram)

				r.Get("/tiers", h.ListTiers)
				r.With(limit).Post("/tiers", h.CreateTier)
				r.With(limit).Delete("/tiers/{name}", h.DeleteTier)

				r.Get("/tasks", h.ListTasks)
				r.With(limit).Post("/tasks", h.CreateTask)

				r.Get("/accounts", h.ListAccounts)
				r.Get("/accounts/{user}", h.GetAccount)
				r.Get("/accounts/{user}/replay", h.ReplayAccount)

				r.Get("/transactions", h.ListTransactions)
			})
		})

		// Task routes
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Get("/progress/{user}", h.GetTaskProgress)
			r.With(limit).Put("/progress/{user}", h.UpsertTaskProgress)
		})

		// Points routes
		r.Route("/points", func(r chi.Router) {
			r.Use(limit)
			r.Post("/earn", h.Earn)
			r.Post("/redeem", h.Redeem)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(limit).Post("/load", h.LoadScenario)
		})

		// Audit routes
		if opts.Scheduler != nil {
			r.Get("/audit", opts.Scheduler.GetLastAudit)
			r.With(limit).Post("/audit", opts.Scheduler.TriggerAudit)
		}
	})

	return r
}
