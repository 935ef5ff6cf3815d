/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the platform frontends

ROUTE GROUPS:
  /api/transfers        Transfer submission
  /api/transactions/*   Transaction lookup
  /api/users/*          Wallet balances and history
  /api/accounts/*       Chart-of-accounts balances
  /api/placements       Ad placements for reward distribution
  /api/admin/*          Operational triggers
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

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
)

// RouterOptions configures the parts of the router that vary by deployment.
type RouterOptions struct {
	AllowedOrigins []string

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/transfers", h.SubmitTransfer)
		r.Get("/transactions/{id}", h.GetTransaction)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetWalletBalance)
			r.Get("/transactions", h.GetUserTransactions)
		})

		r.Get("/accounts/{no}/balance", h.GetAccountBalance)

		r.Post("/placements", h.CreatePlacement)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/rewards/run", h.RunRewards)
		})
	})

	return r
}
