package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/cardclient"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/proposalclient"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/rabbitmq"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/resilience"
	"github.com/shopspring/decimal"
)

type proposalCreatorStub struct {
	calls []string
	err   error
}

func (s *proposalCreatorStub) CreateProposal(ctx context.Context, customerID uuid.UUID, idempotencyKey string) (*proposalclient.Proposal, error) {
	s.calls = append(s.calls, idempotencyKey)
	if s.err != nil {
		return nil, s.err
	}
	return &proposalclient.Proposal{ID: uuid.New(), CustomerID: customerID, Status: "created"}, nil
}

type issuedCard struct {
	key   string
	limit decimal.Decimal
}

type cardIssuerStub struct {
	issued []issuedCard
	errFor map[string]error
}

func (s *cardIssuerStub) IssueCard(ctx context.Context, proposalID uuid.UUID, idempotencyKey string, limit decimal.Decimal) (*cardclient.Card, error) {
	if err := s.errFor[idempotencyKey]; err != nil {
		return nil, err
	}
	s.issued = append(s.issued, issuedCard{key: idempotencyKey, limit: limit})
	return &cardclient.Card{ID: uuid.New(), ProposalID: proposalID, IdempotencyKey: idempotencyKey, Limit: limit}, nil
}

type guardStub struct {
	mu     sync.Mutex
	marked map[string]bool
	err    error
}

func (g *guardStub) Seen(ctx context.Context, queue, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	return g.marked[queue+"|"+key], nil
}

func (g *guardStub) Mark(ctx context.Context, queue, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marked == nil {
		g.marked = make(map[string]bool)
	}
	g.marked[queue+"|"+key] = true
	return nil
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestCustomerCreatedConsumer(t *testing.T) {
	customerID := uuid.New()
	valid := domain.CustomerCreated{CustomerID: customerID, Name: "Pedro", CreatedAt: time.Now()}
	exhausted := &resilience.ExhaustedError{Attempts: 4, Err: &resilience.StatusError{StatusCode: 503}}

	tests := []struct {
		name      string
		body      []byte
		err       error
		wantCalls int
		want      rabbitmq.Outcome
	}{
		{name: "success acks", body: mustJSON(t, valid), wantCalls: 1, want: rabbitmq.Ack},
		{name: "malformed json is dead-lettered", body: []byte("{"), want: rabbitmq.DeadLetter},
		{name: "missing customer id is dead-lettered", body: []byte(`{"name":"x"}`), want: rabbitmq.DeadLetter},
		{name: "exhausted policy is dead-lettered", body: mustJSON(t, valid), err: exhausted, wantCalls: 1, want: rabbitmq.DeadLetter},
		{name: "open circuit is dead-lettered", body: mustJSON(t, valid), err: resilience.ErrCircuitOpen, wantCalls: 1, want: rabbitmq.DeadLetter},
		{name: "validation error is dead-lettered", body: mustJSON(t, valid), err: &resilience.StatusError{StatusCode: 404}, wantCalls: 1, want: rabbitmq.DeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &proposalCreatorStub{err: tt.err}
			consumer := NewCustomerCreatedConsumer(client, nil)

			if got := consumer.Handle(context.Background(), tt.body); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if len(client.calls) != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, len(client.calls))
			}
			if tt.wantCalls > 0 && client.calls[0] != customerID.String()+"-proposal" {
				t.Fatalf("unexpected idempotency key %q", client.calls[0])
			}
		})
	}
}

func TestCustomerCreatedConsumer_RequeuesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &proposalCreatorStub{err: context.Canceled}
	consumer := NewCustomerCreatedConsumer(client, nil)

	body := mustJSON(t, domain.CustomerCreated{CustomerID: uuid.New(), Name: "Pedro"})
	if got := consumer.Handle(ctx, body); got != rabbitmq.Requeue {
		t.Fatalf("expected requeue, got %s", got)
	}
}

func TestCustomerCreatedConsumer_GuardSkipsProcessedMessages(t *testing.T) {
	client := &proposalCreatorStub{}
	guard := &guardStub{}
	consumer := NewCustomerCreatedConsumer(client, guard)
	body := mustJSON(t, domain.CustomerCreated{CustomerID: uuid.New(), Name: "Pedro"})

	for i := 0; i < 2; i++ {
		if got := consumer.Handle(context.Background(), body); got != rabbitmq.Ack {
			t.Fatalf("delivery %d: expected ack, got %s", i, got)
		}
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected one downstream call, got %d", len(client.calls))
	}
}

func TestCustomerCreatedConsumer_GuardFailureStillProcesses(t *testing.T) {
	client := &proposalCreatorStub{}
	consumer := NewCustomerCreatedConsumer(client, &guardStub{err: errors.New("redis down")})
	body := mustJSON(t, domain.CustomerCreated{CustomerID: uuid.New(), Name: "Pedro"})

	if got := consumer.Handle(context.Background(), body); got != rabbitmq.Ack {
		t.Fatalf("expected ack, got %s", got)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected one downstream call, got %d", len(client.calls))
	}
}

func TestProposalApprovedConsumer_IssuesEveryCard(t *testing.T) {
	proposalID := uuid.New()
	body := mustJSON(t, domain.ProposalApproved{ProposalID: proposalID, CustomerID: uuid.New(), NumberOfCards: 2, ApprovedAt: time.Now()})
	issuer := &cardIssuerStub{}

	consumer := NewProposalApprovedConsumer(issuer, nil)
	if got := consumer.Handle(context.Background(), body); got != rabbitmq.Ack {
		t.Fatalf("expected ack, got %s", got)
	}

	if len(issuer.issued) != 2 {
		t.Fatalf("expected two cards, got %d", len(issuer.issued))
	}
	for i, c := range issuer.issued {
		if c.key != fmt.Sprintf("%s-card-%d", proposalID, i+1) {
			t.Fatalf("card %d: unexpected key %q", i, c.key)
		}
		if c.limit.StringFixed(2) != "5000.00" {
			t.Fatalf("card %d: expected limit 5000.00, got %s", i, c.limit.StringFixed(2))
		}
	}
}

func TestProposalApprovedConsumer_SingleCardLimit(t *testing.T) {
	issuer := &cardIssuerStub{}
	body := mustJSON(t, domain.ProposalApproved{ProposalID: uuid.New(), CustomerID: uuid.New(), NumberOfCards: 1})

	if got := NewProposalApprovedConsumer(issuer, nil).Handle(context.Background(), body); got != rabbitmq.Ack {
		t.Fatalf("expected ack, got %s", got)
	}
	if len(issuer.issued) != 1 || issuer.issued[0].limit.StringFixed(2) != "1000.00" {
		t.Fatalf("expected one card with limit 1000.00, got %+v", issuer.issued)
	}
}

func TestProposalApprovedConsumer_Failures(t *testing.T) {
	proposalID := uuid.New()
	secondKey := domain.CardIdempotencyKey(proposalID, 2)
	body := mustJSON(t, domain.ProposalApproved{ProposalID: proposalID, CustomerID: uuid.New(), NumberOfCards: 2})

	tests := []struct {
		name string
		body []byte
		err  error
		want rabbitmq.Outcome
	}{
		{name: "malformed json", body: []byte("not json"), want: rabbitmq.DeadLetter},
		{name: "zero cards", body: mustJSON(t, domain.ProposalApproved{ProposalID: proposalID, NumberOfCards: 0}), want: rabbitmq.DeadLetter},
		{name: "rejected by card service", body: body, err: &resilience.StatusError{StatusCode: 409}, want: rabbitmq.DeadLetter},
		{name: "exhausted retries", body: body, err: &resilience.ExhaustedError{Attempts: 4, Err: &resilience.StatusError{StatusCode: 500}}, want: rabbitmq.Redeliver},
		{name: "open circuit", body: body, err: resilience.ErrCircuitOpen, want: rabbitmq.Redeliver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &cardIssuerStub{errFor: map[string]error{secondKey: tt.err}}
			guard := &guardStub{}
			consumer := NewProposalApprovedConsumer(issuer, guard)

			if got := consumer.Handle(context.Background(), tt.body); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if len(guard.marked) != 0 {
				t.Fatal("expected failed message not to be marked as processed")
			}
		})
	}
}
