/**
 * @description
 * Domain events and the broker message contracts exchanged between services.
 *
 * @notes
 * - ProposalCreatedEvent never leaves the process that produced it.
 * - External message field names and order are part of the wire contract and
 *   must not change.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Queue names double as routing keys on the events exchange.
const (
	EventsExchange     = "card_issuance.events"
	DeadLetterExchange = "card_issuance.dlx"

	QueueCustomerCreated    = "customer.created"
	QueueProposalDenied     = "proposal.denied"
	QueueProposalApproved   = "proposal.approved"
	QueueCardIssueRequested = "card.issue.requested"

	DeadLetterCustomerCreated  = "created.consumer.dlq"
	DeadLetterProposalApproved = "approved.consumer.dlq"
)

// Event is a locally queued domain event.
type Event interface {
	EventType() string
}

const EventTypeProposalCreated = "proposal.created"

// ProposalCreatedEvent carries a freshly persisted proposal to evaluation.
type ProposalCreatedEvent struct {
	Proposal Proposal
}

func (ProposalCreatedEvent) EventType() string { return EventTypeProposalCreated }

// CustomerCreated is published after a customer is persisted.
type CustomerCreated struct {
	CustomerID uuid.UUID `json:"customerId"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ProposalApproved is published once per approved proposal.
type ProposalApproved struct {
	ProposalID    uuid.UUID `json:"proposalId"`
	CustomerID    uuid.UUID `json:"customerId"`
	NumberOfCards int       `json:"numberOfCards"`
	ApprovedAt    time.Time `json:"approvedAt"`
}

// ProposalDenied is published once per denied proposal.
type ProposalDenied struct {
	ProposalID uuid.UUID `json:"proposalId"`
	CustomerID uuid.UUID `json:"customerId"`
	DeniedAt   time.Time `json:"deniedAt"`
}

// CardIssueRequested asks for a single card of an approved proposal.
type CardIssueRequested struct {
	ProposalID     uuid.UUID `json:"proposalId"`
	CustomerID     uuid.UUID `json:"customerId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	RequestedAt    time.Time `json:"requestedAt"`
}

// NewCardIssueRequested builds the request for the sequence-th card.
func NewCardIssueRequested(proposalID, customerID uuid.UUID, sequence int, now time.Time) CardIssueRequested {
	return CardIssueRequested{
		ProposalID:     proposalID,
		CustomerID:     customerID,
		IdempotencyKey: CardIdempotencyKey(proposalID, sequence),
		RequestedAt:    now.UTC(),
	}
}

// CardIssueRequests expands an approval into one request per card.
func CardIssueRequests(approved ProposalApproved, now time.Time) []CardIssueRequested {
	requests := make([]CardIssueRequested, 0, approved.NumberOfCards)
	for i := 1; i <= approved.NumberOfCards; i++ {
		requests = append(requests, NewCardIssueRequested(approved.ProposalID, approved.CustomerID, i, now))
	}
	return requests
}

// ProposalIdempotencyKey derives the key used when a CustomerCreated
// message asks for a proposal, so redelivery maps to the same proposal.
func ProposalIdempotencyKey(customerID uuid.UUID) string {
	return customerID.String() + "-proposal"
}
