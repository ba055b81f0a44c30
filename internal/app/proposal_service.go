/**
 * @description
 * Creates proposals for customers and hands them to the local evaluation
 * queue.
 *
 * @notes
 * - The idempotency key makes creation safe to repeat: the second call
 *   returns the first proposal and enqueues nothing.
 * - Enqueue failures do not fail the request. The proposal is already durable
 *   in the created state and the reconciler picks it up.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
)

// ProposalService owns proposal creation.
type ProposalService struct {
	repo  store.Repository
	queue Enqueuer
	now   func() time.Time
}

// NewProposalService creates a new instance of ProposalService.
func NewProposalService(repo store.Repository, queue Enqueuer) *ProposalService {
	return &ProposalService{
		repo:  repo,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateProposal creates a proposal for customerID. created is false when
// idempotencyKey already identified a proposal.
func (s *ProposalService) CreateProposal(ctx context.Context, customerID uuid.UUID, idempotencyKey string) (*domain.Proposal, bool, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey != "" {
		existing, err := s.repo.FindProposalByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrProposalNotFound) {
			return nil, false, fmt.Errorf("lookup proposal by idempotency key: %w", err)
		}
	}

	if _, err := s.repo.FindCustomerByID(ctx, customerID); err != nil {
		return nil, false, err
	}

	proposal := domain.NewProposal(customerID, idempotencyKey, s.now())
	if err := s.repo.CreateProposal(ctx, proposal); err != nil {
		if errors.Is(err, store.ErrDuplicateProposal) && idempotencyKey != "" {
			// Lost the insert race to a concurrent request with the same key.
			existing, findErr := s.repo.FindProposalByIdempotencyKey(ctx, idempotencyKey)
			if findErr != nil {
				return nil, false, fmt.Errorf("reload proposal after duplicate: %w", findErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create proposal: %w", err)
	}

	if err := s.queue.Enqueue(domain.ProposalCreatedEvent{Proposal: *proposal}); err != nil {
		log.Printf("level=warn component=proposal_service msg=\"proposal not enqueued; reconciler will retry\" proposal_id=%s err=%v", proposal.ID, err)
	}

	log.Printf("level=info component=proposal_service msg=\"proposal created\" proposal_id=%s customer_id=%s", proposal.ID, customerID)
	return proposal, true, nil
}

// GetProposal returns a proposal with its cards.
func (s *ProposalService) GetProposal(ctx context.Context, id uuid.UUID) (*domain.Proposal, error) {
	return s.repo.FindProposalByID(ctx, id)
}
