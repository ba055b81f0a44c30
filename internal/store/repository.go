/**
 * @description
 * This file defines the persistence gateway used by the proposal pipeline.
 * Business code depends on these interfaces; the PostgreSQL implementation
 * lives in postgres_repository.go.
 *
 * @dependencies
 * - github.com/google/uuid: For entity ids.
 * - internal/domain: For the customer, proposal and card models.
 *
 * @notes
 * - Tx is the only way to change a proposal and its cards together.
 * - Broker messages are written to the outbox inside the Tx that makes the
 *   change they announce, and published later by the outbox dispatcher.
 * - Rollback after a successful Commit is a no-op, so callers can always
 *   defer it.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
)

var (
	ErrCustomerNotFound       = errors.New("customer not found")
	ErrProposalNotFound       = errors.New("proposal not found")
	ErrCardNotFound           = errors.New("card not found")
	ErrProposalAlreadyDecided = errors.New("proposal already decided")
	ErrDuplicateProposal      = errors.New("proposal already exists for idempotency key")
	ErrDuplicateCard          = errors.New("card already exists for idempotency key")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Customer methods
	FindCustomerByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error)

	// Proposal methods
	CreateProposal(ctx context.Context, proposal *domain.Proposal) error
	FindProposalByID(ctx context.Context, id uuid.UUID) (*domain.Proposal, error)
	FindProposalByIdempotencyKey(ctx context.Context, key string) (*domain.Proposal, error)
	ListStaleCreatedProposals(ctx context.Context, olderThan time.Time, limit int) ([]domain.Proposal, error)

	// Card methods
	FindCardByIdempotencyKey(ctx context.Context, proposalID uuid.UUID, key string) (*domain.Card, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error

	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work over customers, proposals, cards and the outbox.
type Tx interface {
	CreateCustomer(ctx context.Context, customer *domain.Customer) error
	FindProposalForUpdate(ctx context.Context, id uuid.UUID) (*domain.Proposal, error)
	// UpdateProposalDecision persists a decision only while the stored
	// proposal is still created; otherwise it returns ErrProposalAlreadyDecided.
	UpdateProposalDecision(ctx context.Context, proposal *domain.Proposal) error
	UpdateProposalStatus(ctx context.Context, proposal *domain.Proposal) error
	FindCardByIdempotencyKey(ctx context.Context, proposalID uuid.UUID, key string) (*domain.Card, error)
	CreateCard(ctx context.Context, card *domain.Card) error
	// EnqueueEvent stores payload as JSON for publishing after Commit.
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
