package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/app"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
)

type customerServiceStub struct {
	CustomerService
	err error
}

func (s *customerServiceStub) CreateCustomer(ctx context.Context, name string) (*domain.Customer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return domain.NewCustomer(name, time.Now())
}

type proposalServiceStub struct {
	ProposalService
	created bool
	err     error
	gotKey  string
}

func (s *proposalServiceStub) CreateProposal(ctx context.Context, customerID uuid.UUID, key string) (*domain.Proposal, bool, error) {
	s.gotKey = key
	if s.err != nil {
		return nil, false, s.err
	}
	return domain.NewProposal(customerID, key, time.Now()), s.created, nil
}

func (s *proposalServiceStub) GetProposal(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	return nil, store.ErrProposalNotFound
}

type cardServiceStub struct {
	created bool
	err     error
	got     app.IssueCardRequest
}

func (s *cardServiceStub) IssueCard(ctx context.Context, req app.IssueCardRequest) (*domain.Card, bool, error) {
	s.got = req
	if s.err != nil {
		return nil, false, s.err
	}
	p := &domain.Proposal{ID: req.ProposalID, CustomerID: uuid.New()}
	card := domain.NewCard(p, req.IdempotencyKey, req.Limit, time.Now())
	return &card, s.created, nil
}

func TestCreateCustomer_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "created", body: `{"name":"Pedro"}`, wantStatus: http.StatusCreated},
		{name: "bad json", body: `{"name":`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"nome":"Pedro"}`, wantStatus: http.StatusBadRequest},
		{name: "missing name", body: `{"name":""}`, err: domain.ErrCustomerNameRequired, wantStatus: http.StatusUnprocessableEntity},
		{name: "unexpected failure", body: `{"name":"Pedro"}`, err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewCustomerRouter(NewCustomerHandler(&customerServiceStub{err: tt.err}))
			req := httptest.NewRequest(http.MethodPost, "/customers", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateProposal_CreatedAndReplay(t *testing.T) {
	for _, created := range []bool{true, false} {
		t.Run(fmt.Sprintf("created=%t", created), func(t *testing.T) {
			svc := &proposalServiceStub{created: created}
			router := NewProposalRouter(NewProposalHandler(svc), "")
			customerID := uuid.New()

			req := httptest.NewRequest(http.MethodPost, "/proposals", strings.NewReader(`{"customer_id":"`+customerID.String()+`"}`))
			req.Header.Set("Idempotency-Key", "abc")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			want := http.StatusOK
			if created {
				want = http.StatusCreated
			}
			if rec.Code != want {
				t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
			}
			if svc.gotKey != "abc" {
				t.Fatalf("expected idempotency key to be forwarded, got %q", svc.gotKey)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body["customer_id"] != customerID.String() || body["status"] != "created" {
				t.Fatalf("unexpected response %v", body)
			}
		})
	}
}

func TestCreateProposal_UnknownCustomerIsNotFound(t *testing.T) {
	router := NewProposalRouter(NewProposalHandler(&proposalServiceStub{err: store.ErrCustomerNotFound}), "")
	req := httptest.NewRequest(http.MethodPost, "/proposals", strings.NewReader(`{"customer_id":"`+uuid.NewString()+`"}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	router := NewProposalRouter(NewProposalHandler(&proposalServiceStub{}), "secret")
	body := `{"customer_id":"` + uuid.NewString() + `"}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/proposals", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/proposals", strings.NewReader(body))
	req.Header.Set("X-Internal-API-Key", "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health to be public, got %d", rec.Code)
	}
}

func TestGetProposal(t *testing.T) {
	router := NewProposalRouter(NewProposalHandler(&proposalServiceStub{}), "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proposals/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proposals/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIssueCard_StatusCodes(t *testing.T) {
	proposalID := uuid.New()
	validBody := `{"proposal_id":"` + proposalID.String() + `","idempotency_key":"` + domain.CardIdempotencyKey(proposalID, 1) + `","limit":"5000.00"}`

	tests := []struct {
		name       string
		body       string
		created    bool
		err        error
		wantStatus int
	}{
		{name: "created", body: validBody, created: true, wantStatus: http.StatusCreated},
		{name: "replay", body: validBody, wantStatus: http.StatusOK},
		{name: "not approved", body: validBody, err: app.ErrProposalNotApproved, wantStatus: http.StatusConflict},
		{name: "unknown proposal", body: validBody, err: store.ErrProposalNotFound, wantStatus: http.StatusNotFound},
		{name: "bad key", body: validBody, err: domain.ErrInvalidIdempotencyKey, wantStatus: http.StatusUnprocessableEntity},
		{name: "bad limit", body: `{"proposal_id":"` + proposalID.String() + `","idempotency_key":"k","limit":"lots"}`, wantStatus: http.StatusUnprocessableEntity},
		{name: "missing key", body: `{"proposal_id":"` + proposalID.String() + `","limit":"1.00"}`, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &cardServiceStub{created: tt.created, err: tt.err}
			router := NewCardRouter(NewCardHandler(svc), "")
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cards", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestIssueCard_ParsesLimit(t *testing.T) {
	proposalID := uuid.New()
	svc := &cardServiceStub{created: true}
	router := NewCardRouter(NewCardHandler(svc), "")
	body := `{"proposal_id":"` + proposalID.String() + `","idempotency_key":"` + domain.CardIdempotencyKey(proposalID, 2) + `","limit":"1000.00"}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cards", strings.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if svc.got.Limit.StringFixed(2) != "1000.00" || svc.got.ProposalID != proposalID {
		t.Fatalf("unexpected request forwarded %+v", svc.got)
	}
}
