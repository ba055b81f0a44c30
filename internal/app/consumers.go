/**
 * @description
 * Broker message handlers run by the worker. Each handler turns one message
 * into calls on a downstream service and tells the consumer how to settle
 * the delivery.
 *
 * @dependencies
 * - pkg/rabbitmq: Settlement outcomes.
 * - pkg/resilience: Error classification of downstream calls.
 * - pkg/proposalclient, pkg/cardclient: Downstream services.
 *
 * @notes
 * - Malformed messages are dead-lettered at once; retrying cannot fix them.
 * - Downstream calls carry deterministic idempotency keys, so a message
 *   handled twice produces no duplicates.
 * - A message interrupted by shutdown is requeued, not dead-lettered.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/cardclient"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/proposalclient"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/rabbitmq"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/resilience"
	"github.com/shopspring/decimal"
)

// ProposalCreator opens proposals on the proposal service.
type ProposalCreator interface {
	CreateProposal(ctx context.Context, customerID uuid.UUID, idempotencyKey string) (*proposalclient.Proposal, error)
}

// CardIssuer issues cards on the card service.
type CardIssuer interface {
	IssueCard(ctx context.Context, proposalID uuid.UUID, idempotencyKey string, limit decimal.Decimal) (*cardclient.Card, error)
}

// CustomerCreatedConsumer opens a proposal for every new customer.
type CustomerCreatedConsumer struct {
	proposals ProposalCreator
	guard     DeliveryGuard
}

func NewCustomerCreatedConsumer(proposals ProposalCreator, guard DeliveryGuard) *CustomerCreatedConsumer {
	if guard == nil {
		guard = NoopDeliveryGuard{}
	}
	return &CustomerCreatedConsumer{proposals: proposals, guard: guard}
}

// Handle processes one customer.created message.
func (c *CustomerCreatedConsumer) Handle(ctx context.Context, body []byte) rabbitmq.Outcome {
	var event domain.CustomerCreated
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=customer_created_consumer msg=\"malformed message\" err=%v", err)
		return rabbitmq.DeadLetter
	}
	if event.CustomerID == uuid.Nil {
		log.Println("level=error component=customer_created_consumer msg=\"message without customer id\"")
		return rabbitmq.DeadLetter
	}

	key := domain.ProposalIdempotencyKey(event.CustomerID)
	if seen(ctx, c.guard, domain.QueueCustomerCreated, key) {
		log.Printf("level=info component=customer_created_consumer msg=\"already processed; skipping\" customer_id=%s", event.CustomerID)
		return rabbitmq.Ack
	}

	proposal, err := c.proposals.CreateProposal(ctx, event.CustomerID, key)
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("level=warn component=customer_created_consumer msg=\"interrupted; requeueing\" customer_id=%s err=%v", event.CustomerID, err)
			return rabbitmq.Requeue
		}
		log.Printf("level=error component=customer_created_consumer msg=\"proposal creation failed; dead-lettering\" customer_id=%s %s err=%v", event.CustomerID, failureClass(err), err)
		return rabbitmq.DeadLetter
	}

	mark(ctx, c.guard, domain.QueueCustomerCreated, key)
	log.Printf("level=info component=customer_created_consumer msg=\"proposal requested\" customer_id=%s proposal_id=%s", event.CustomerID, proposal.ID)
	return rabbitmq.Ack
}

// ProposalApprovedConsumer issues the cards granted by an approval.
type ProposalApprovedConsumer struct {
	cards CardIssuer
	guard DeliveryGuard
}

func NewProposalApprovedConsumer(cards CardIssuer, guard DeliveryGuard) *ProposalApprovedConsumer {
	if guard == nil {
		guard = NoopDeliveryGuard{}
	}
	return &ProposalApprovedConsumer{cards: cards, guard: guard}
}

// Handle processes one proposal.approved message.
func (c *ProposalApprovedConsumer) Handle(ctx context.Context, body []byte) rabbitmq.Outcome {
	var event domain.ProposalApproved
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=proposal_approved_consumer msg=\"malformed message\" err=%v", err)
		return rabbitmq.DeadLetter
	}
	if event.ProposalID == uuid.Nil || event.NumberOfCards <= 0 {
		log.Printf("level=error component=proposal_approved_consumer msg=\"invalid approval\" proposal_id=%s number_of_cards=%d", event.ProposalID, event.NumberOfCards)
		return rabbitmq.DeadLetter
	}

	key := event.ProposalID.String()
	if seen(ctx, c.guard, domain.QueueProposalApproved, key) {
		log.Printf("level=info component=proposal_approved_consumer msg=\"already processed; skipping\" proposal_id=%s", event.ProposalID)
		return rabbitmq.Ack
	}

	limit := domain.DefaultCardLimit(event.NumberOfCards)
	for _, request := range domain.CardIssueRequests(event, event.ApprovedAt) {
		card, err := c.cards.IssueCard(ctx, request.ProposalID, request.IdempotencyKey, limit)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				log.Printf("level=warn component=proposal_approved_consumer msg=\"interrupted; requeueing\" proposal_id=%s err=%v", event.ProposalID, err)
				return rabbitmq.Requeue
			case resilience.IsNonRetryable(err):
				log.Printf("level=error component=proposal_approved_consumer msg=\"card rejected; dead-lettering\" proposal_id=%s idempotency_key=%s err=%v", event.ProposalID, request.IdempotencyKey, err)
				return rabbitmq.DeadLetter
			default:
				log.Printf("level=warn component=proposal_approved_consumer msg=\"card issuance failed; scheduling redelivery\" proposal_id=%s idempotency_key=%s %s err=%v", event.ProposalID, request.IdempotencyKey, failureClass(err), err)
				return rabbitmq.Redeliver
			}
		}
		log.Printf("level=info component=proposal_approved_consumer msg=\"card issued\" proposal_id=%s card_id=%s idempotency_key=%s", event.ProposalID, card.ID, request.IdempotencyKey)
	}

	mark(ctx, c.guard, domain.QueueProposalApproved, key)
	return rabbitmq.Ack
}

func seen(ctx context.Context, guard DeliveryGuard, queue, key string) bool {
	ok, err := guard.Seen(ctx, queue, key)
	if err != nil {
		log.Printf("level=warn component=delivery_guard msg=\"lookup failed; processing anyway\" queue=%s key=%s err=%v", queue, key, err)
		return false
	}
	return ok
}

func mark(ctx context.Context, guard DeliveryGuard, queue, key string) {
	if err := guard.Mark(ctx, queue, key); err != nil {
		log.Printf("level=warn component=delivery_guard msg=\"mark failed\" queue=%s key=%s err=%v", queue, key, err)
	}
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "class=circuit_open"
	case resilience.IsExhausted(err):
		return "class=exhausted"
	case resilience.IsNonRetryable(err):
		return "class=non_retryable"
	default:
		return "class=unknown"
	}
}
