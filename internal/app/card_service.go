/**
 * @description
 * Idempotent card issuance. This is the boundary that guarantees one card per
 * (proposal, idempotency key) regardless of how many times a request arrives.
 *
 * @dependencies
 * - internal/store: Transaction with a row lock on the proposal.
 * - github.com/shopspring/decimal: Card limits.
 *
 * @notes
 * - The proposal row lock serialises concurrent issuance for one proposal.
 * - A unique violation from a racing insert is resolved by reading the
 *   winner's card back.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
	"github.com/shopspring/decimal"
)

var ErrProposalNotApproved = errors.New("proposal is not approved")

// IssueCardRequest asks for one card of an approved proposal.
type IssueCardRequest struct {
	ProposalID     uuid.UUID
	IdempotencyKey string
	Limit          decimal.Decimal
}

// CardService creates cards against approved proposals.
type CardService struct {
	repo store.Repository
	now  func() time.Time
}

// NewCardService creates a new instance of CardService.
func NewCardService(repo store.Repository) *CardService {
	return &CardService{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// IssueCard creates the card for req. When a card already exists for the
// key it is returned with created=false.
func (s *CardService) IssueCard(ctx context.Context, req IssueCardRequest) (*domain.Card, bool, error) {
	if _, err := domain.ParseCardIdempotencyKey(req.ProposalID, req.IdempotencyKey); err != nil {
		return nil, false, err
	}
	if !req.Limit.IsPositive() {
		return nil, false, domain.ErrInvalidCardLimit
	}

	card, created, err := s.issueInTx(ctx, req)
	if errors.Is(err, store.ErrDuplicateCard) {
		existing, findErr := s.repo.FindCardByIdempotencyKey(ctx, req.ProposalID, req.IdempotencyKey)
		if findErr != nil {
			return nil, false, fmt.Errorf("reload card after duplicate: %w", findErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		log.Printf("level=info component=card_service msg=\"card issued\" proposal_id=%s card_id=%s idempotency_key=%s", req.ProposalID, card.ID, req.IdempotencyKey)
	}
	return card, created, nil
}

func (s *CardService) issueInTx(ctx context.Context, req IssueCardRequest) (*domain.Card, bool, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	proposal, err := tx.FindProposalForUpdate(ctx, req.ProposalID)
	if err != nil {
		return nil, false, err
	}

	existing, err := tx.FindCardByIdempotencyKey(ctx, req.ProposalID, req.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrCardNotFound) {
		return nil, false, fmt.Errorf("lookup card by idempotency key: %w", err)
	}

	if !proposal.AcceptsCards() {
		return nil, false, fmt.Errorf("%w: status is %s", ErrProposalNotApproved, proposal.Status)
	}

	now := s.now()
	card := domain.NewCard(proposal, req.IdempotencyKey, req.Limit, now)
	if err := proposal.AttachCard(card, now); err != nil {
		return nil, false, err
	}
	if err := tx.CreateCard(ctx, &card); err != nil {
		return nil, false, err
	}
	if err := tx.UpdateProposalStatus(ctx, proposal); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit card issuance: %w", err)
	}
	return &card, true, nil
}
