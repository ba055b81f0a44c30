package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidIdempotencyKey = errors.New("invalid card idempotency key")

// Default credit limits by number of cards granted on approval.
var (
	SingleCardLimit = decimal.RequireFromString("1000.00")
	MultiCardLimit  = decimal.RequireFromString("5000.00")
)

// Card is a credit card issued against an approved proposal.
type Card struct {
	ID             uuid.UUID       `json:"id"`
	CustomerID     uuid.UUID       `json:"customer_id"`
	ProposalID     uuid.UUID       `json:"proposal_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Limit          decimal.Decimal `json:"limit"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewCard builds a card for the proposal.
func NewCard(p *Proposal, idempotencyKey string, limit decimal.Decimal, now time.Time) Card {
	now = now.UTC()
	return Card{
		ID:             uuid.New(),
		CustomerID:     p.CustomerID,
		ProposalID:     p.ID,
		IdempotencyKey: idempotencyKey,
		Limit:          limit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// DefaultCardLimit returns the limit applied to every card of an approval
// that granted numberOfCards cards.
func DefaultCardLimit(numberOfCards int) decimal.Decimal {
	if numberOfCards >= 2 {
		return MultiCardLimit
	}
	return SingleCardLimit
}

// CardIdempotencyKey derives the key for the sequence-th card of a proposal.
// Sequences are 1-indexed.
func CardIdempotencyKey(proposalID uuid.UUID, sequence int) string {
	return fmt.Sprintf("%s-card-%d", proposalID, sequence)
}

// ParseCardIdempotencyKey validates that key belongs to proposalID and
// returns its sequence. Sequences above MaxCardsPerApproval are rejected.
func ParseCardIdempotencyKey(proposalID uuid.UUID, key string) (int, error) {
	prefix := proposalID.String() + "-card-"
	if !strings.HasPrefix(key, prefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdempotencyKey, key)
	}
	sequence, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil || sequence < 1 || sequence > MaxCardsPerApproval {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdempotencyKey, key)
	}
	return sequence, nil
}
