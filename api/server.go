/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request count and latency per route pattern
  5. CORS:       Cross-origin requests for the attendant and kitchen UIs

ROUTE GROUPS:
  /api/suborders/*      Kitchen lifecycle
  /api/orders/*         Sub-orders by order
  /api/wallets/*        Consumption fund
  /api/payments/*       Payment initiation and refunds
  /api/webhooks/*       Gateway callbacks
  /health, /metrics     Operations

SECURITY NOTE:
  Authentication happens upstream. Roles arrive in X-Actor-Roles and are
  trusted as-is.

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

// Metrics is the HTTP side of metrics.Metrics.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

type RouterOptions struct {
	AllowedOrigins []string
	// Metrics is optional; without it /metrics is not mounted.
	Metrics Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerActorID, headerActorRoles, headerIdempotencyKey},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Kitchen routes
		r.Route("/suborders", func(r chi.Router) {
			r.Post("/", h.CreateSubOrder)
			r.Get("/{id}", h.GetSubOrder)
			r.Post("/{id}/transitions", h.TransitionSubOrder)
		})
		r.Get("/orders/{id}/suborders", h.ListOrderSubOrders)

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.OpenWallet)
			r.Get("/{id}", h.GetWallet)
			r.Get("/{id}/transactions", h.GetWalletTransactions)
			r.Post("/{id}/debits", h.DebitWallet)
			r.Post("/{id}/credits", h.CreditWallet)
			r.Post("/{id}/status", h.SetWalletStatus)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.InitiatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/refund", h.RefundPayment)
		})

		// Gateway callbacks
		r.Post("/webhooks/gateway", h.GatewayWebhook)
	})

	return r
}
