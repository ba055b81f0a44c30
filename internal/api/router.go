/**
 * @description
 * HTTP routers for the customer, proposal and card services using go-chi/chi.
 *
 * @notes
 * - The customer API is public and carries CORS headers.
 * - Proposal and card endpoints are internal and guarded by the shared API key.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func newBaseRouter(service string, extra ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(extra...)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	})
	return r
}

// NewCustomerRouter registers the public customer routes.
func NewCustomerRouter(h *CustomerHandler) *chi.Mux {
	r := newBaseRouter("customer-api", cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/customers", h.CreateCustomer)
	r.Get("/customers/{id}", h.GetCustomer)
	return r
}

// NewProposalRouter registers the internal proposal routes.
func NewProposalRouter(h *ProposalHandler, internalKey string) *chi.Mux {
	r := newBaseRouter("proposal-api")
	r.Route("/proposals", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/", h.CreateProposal)
		r.Get("/{id}", h.GetProposal)
	})
	return r
}

// NewCardRouter registers the internal card routes.
func NewCardRouter(h *CardHandler, internalKey string) *chi.Mux {
	r := newBaseRouter("card-api")
	r.Route("/cards", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/", h.IssueCard)
	})
	return r
}
