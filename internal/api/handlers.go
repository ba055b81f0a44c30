/**
 * @description
 * HTTP handlers for the customer, proposal and card endpoints. Handlers parse
 * requests, call the app layer and map its errors onto status codes.
 *
 * @notes
 * - 201 means the resource was created by this request; 200 means an earlier
 *   request with the same idempotency key already created it.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/app"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
	"github.com/shopspring/decimal"
)

// CustomerService is the subset of app.CustomerService used by the handlers.
type CustomerService interface {
	CreateCustomer(ctx context.Context, name string) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id uuid.UUID) (*domain.Customer, error)
}

// ProposalService is the subset of app.ProposalService used by the handlers.
type ProposalService interface {
	CreateProposal(ctx context.Context, customerID uuid.UUID, idempotencyKey string) (*domain.Proposal, bool, error)
	GetProposal(ctx context.Context, id uuid.UUID) (*domain.Proposal, error)
}

// CardService is the subset of app.CardService used by the handlers.
type CardService interface {
	IssueCard(ctx context.Context, req app.IssueCardRequest) (*domain.Card, bool, error)
}

// CustomerHandler holds the dependencies for customer handlers.
type CustomerHandler struct {
	service CustomerService
}

func NewCustomerHandler(service CustomerService) *CustomerHandler {
	return &CustomerHandler{service: service}
}

// CreateCustomerRequest defines the expected JSON body for creating a customer.
type CreateCustomerRequest struct {
	Name string `json:"name"`
}

// CreateCustomer handles POST /customers.
func (h *CustomerHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	customer, err := h.service.CreateCustomer(r.Context(), req.Name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Location", "/customers/"+customer.ID.String())
	writeJSON(w, http.StatusCreated, customer)
}

// GetCustomer handles GET /customers/{id}.
func (h *CustomerHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	customer, err := h.service.GetCustomer(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

// ProposalHandler holds the dependencies for proposal handlers.
type ProposalHandler struct {
	service ProposalService
}

func NewProposalHandler(service ProposalService) *ProposalHandler {
	return &ProposalHandler{service: service}
}

// CreateProposalRequest defines the expected JSON body for creating a proposal.
type CreateProposalRequest struct {
	CustomerID uuid.UUID `json:"customer_id"`
}

// CreateProposal handles POST /proposals. The Idempotency-Key header is
// optional.
func (h *ProposalHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req CreateProposalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CustomerID == uuid.Nil {
		writeError(w, http.StatusUnprocessableEntity, "customer_id is required")
		return
	}

	proposal, created, err := h.service.CreateProposal(r.Context(), req.CustomerID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, proposal)
}

// GetProposal handles GET /proposals/{id}.
func (h *ProposalHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	proposal, err := h.service.GetProposal(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// CardHandler holds the dependencies for card handlers.
type CardHandler struct {
	service CardService
}

func NewCardHandler(service CardService) *CardHandler {
	return &CardHandler{service: service}
}

// IssueCardRequest defines the expected JSON body for issuing a card.
type IssueCardRequest struct {
	ProposalID     uuid.UUID `json:"proposal_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Limit          string    `json:"limit"`
}

// IssueCard handles POST /cards.
func (h *CardHandler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req IssueCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProposalID == uuid.Nil || strings.TrimSpace(req.IdempotencyKey) == "" {
		writeError(w, http.StatusUnprocessableEntity, "proposal_id and idempotency_key are required")
		return
	}
	limit, err := decimal.NewFromString(strings.TrimSpace(req.Limit))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "limit must be a decimal amount")
		return
	}

	card, created, err := h.service.IssueCard(r.Context(), app.IssueCardRequest{
		ProposalID:     req.ProposalID,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Limit:          limit,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, card)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps app, domain and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrCustomerNameRequired),
		errors.Is(err, domain.ErrCustomerNameTooLong),
		errors.Is(err, domain.ErrInvalidIdempotencyKey),
		errors.Is(err, domain.ErrInvalidCardLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrCustomerNotFound),
		errors.Is(err, store.ErrProposalNotFound),
		errors.Is(err, store.ErrCardNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrProposalNotApproved),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, app.ErrQueueFull),
		errors.Is(err, app.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

// writeJSON is a helper to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
