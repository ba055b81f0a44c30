/**
 * @description
 * Proposal aggregate and the status transitions it is allowed to take.
 *
 * @notes
 * - created -> approved | denied is driven only by ApplyDecision.
 * - approved -> completed happens when a card is durably attached.
 * - NumberOfCardsAllowed is never persisted; it travels in ProposalApproved.
 */
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProposalStatus mirrors the proposal_status column.
type ProposalStatus string

const (
	ProposalStatusCreated   ProposalStatus = "created"
	ProposalStatusApproved  ProposalStatus = "approved"
	ProposalStatusDenied    ProposalStatus = "denied"
	ProposalStatusCompleted ProposalStatus = "completed"
)

var (
	ErrInvalidTransition = errors.New("invalid proposal status transition")
	ErrCardMismatch      = errors.New("card does not belong to proposal")
	ErrInvalidCardLimit  = errors.New("card limit must be positive")
)

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalStatusCreated, ProposalStatusApproved, ProposalStatusDenied, ProposalStatusCompleted:
		return true
	}
	return false
}

// Proposal is a credit request for a customer.
type Proposal struct {
	ID             uuid.UUID      `json:"id"`
	CustomerID     uuid.UUID      `json:"customer_id"`
	Status         ProposalStatus `json:"status"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Cards          []Card         `json:"cards,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// NumberOfCardsAllowed sizes the card fan-out after approval.
	NumberOfCardsAllowed int `json:"-"`
}

// NewProposal builds a proposal in the created state.
func NewProposal(customerID uuid.UUID, idempotencyKey string, now time.Time) *Proposal {
	now = now.UTC()
	return &Proposal{
		ID:             uuid.New(),
		CustomerID:     customerID,
		Status:         ProposalStatusCreated,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ApplyDecision moves a created proposal to approved or denied. Applying
// the same decision again to an already decided proposal is a no-op.
func (p *Proposal) ApplyDecision(d Decision, now time.Time) error {
	target := d.Status()
	if p.Status != ProposalStatusCreated {
		if p.Status == target {
			p.NumberOfCardsAllowed = d.Cards
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, target)
	}

	p.Status = target
	p.NumberOfCardsAllowed = 0
	if d.Kind == DecisionApproved {
		p.NumberOfCardsAllowed = d.Cards
	}
	p.UpdatedAt = now.UTC()
	return nil
}

// Complete attaches the first card of an approved proposal and flips it to
// completed.
func (p *Proposal) Complete(card Card, now time.Time) error {
	if p.Status != ProposalStatusApproved {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, ProposalStatusCompleted)
	}
	if err := p.acceptCard(card); err != nil {
		return err
	}
	p.Cards = append(p.Cards, card)
	p.Status = ProposalStatusCompleted
	p.UpdatedAt = now.UTC()
	return nil
}

// AttachCard attaches a card to an approved or completed proposal. The
// first attachment completes the proposal.
func (p *Proposal) AttachCard(card Card, now time.Time) error {
	switch p.Status {
	case ProposalStatusApproved:
		return p.Complete(card, now)
	case ProposalStatusCompleted:
		if err := p.acceptCard(card); err != nil {
			return err
		}
		p.Cards = append(p.Cards, card)
		p.UpdatedAt = now.UTC()
		return nil
	default:
		return fmt.Errorf("%w: cannot attach card to %s proposal", ErrInvalidTransition, p.Status)
	}
}

func (p *Proposal) acceptCard(card Card) error {
	if card.ProposalID != p.ID {
		return ErrCardMismatch
	}
	if !card.Limit.IsPositive() {
		return ErrInvalidCardLimit
	}
	return nil
}

// AcceptsCards reports whether a card may be attached in the current status.
func (p *Proposal) AcceptsCards() bool {
	return p.Status == ProposalStatusApproved || p.Status == ProposalStatusCompleted
}
