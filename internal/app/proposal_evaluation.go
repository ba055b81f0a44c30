/**
 * @description
 * Evaluates freshly created proposals: scores the customer, applies the
 * decision, and persists it together with the outbound messages.
 *
 * @dependencies
 * - internal/store: Transactional persistence of the decision and outbox.
 * - internal/domain: Score bands, proposal transitions and message contracts.
 *
 * @notes
 * - The decision and its messages commit together. The outbox dispatcher
 *   publishes them, so a broker outage delays messages but never drops them.
 * - A proposal that is no longer created was already evaluated by another
 *   delivery; it is skipped without writing messages.
 * - A failed save leaves the proposal created so the reconciler retries it.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
)

// EventPublisher publishes messages to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// outboundMessage is a message recorded in the outbox.
type outboundMessage struct {
	routingKey string
	payload    interface{}
}

// ProposalEvaluator handles ProposalCreatedEvent.
type ProposalEvaluator struct {
	repo   store.Repository
	scores ScoreProvider
	now    func() time.Time
}

// NewProposalEvaluator creates a new instance of ProposalEvaluator.
func NewProposalEvaluator(repo store.Repository, scores ScoreProvider) *ProposalEvaluator {
	return &ProposalEvaluator{
		repo:   repo,
		scores: scores,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent adapts Evaluate to the dispatcher.
func (h *ProposalEvaluator) HandleEvent(ctx context.Context, event domain.Event) error {
	switch e := event.(type) {
	case domain.ProposalCreatedEvent:
		return h.Evaluate(ctx, e.Proposal)
	case *domain.ProposalCreatedEvent:
		return h.Evaluate(ctx, e.Proposal)
	default:
		return fmt.Errorf("unexpected event %T", event)
	}
}

// Evaluate scores proposal and records the decision.
func (h *ProposalEvaluator) Evaluate(ctx context.Context, proposal domain.Proposal) error {
	score, err := h.scores.Score(ctx, proposal.CustomerID)
	if err != nil {
		return fmt.Errorf("score customer %s: %w", proposal.CustomerID, err)
	}

	decision := domain.EvaluateScore(score)
	now := h.now()
	if err := proposal.ApplyDecision(decision, now); err != nil {
		return fmt.Errorf("apply decision to proposal %s: %w", proposal.ID, err)
	}

	messages, err := decisionMessages(proposal, decision, now)
	if err != nil {
		return err
	}

	if err := h.saveDecision(ctx, &proposal, messages); err != nil {
		if errors.Is(err, store.ErrProposalAlreadyDecided) {
			log.Printf("level=info component=proposal_evaluator msg=\"proposal already evaluated; skipping\" proposal_id=%s", proposal.ID)
			return nil
		}
		return fmt.Errorf("save decision for proposal %s: %w", proposal.ID, err)
	}

	log.Printf("level=info component=proposal_evaluator msg=\"proposal evaluated\" proposal_id=%s score=%d decision=%s messages=%d", proposal.ID, score, decision, len(messages))
	return nil
}

func (h *ProposalEvaluator) saveDecision(ctx context.Context, proposal *domain.Proposal, messages []outboundMessage) error {
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.UpdateProposalDecision(ctx, proposal); err != nil {
		return err
	}
	for _, m := range messages {
		if err := tx.EnqueueEvent(ctx, domain.EventsExchange, m.routingKey, m.payload); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// decisionMessages lists what a decision announces: ProposalDenied, or
// ProposalApproved followed by one CardIssueRequested per card.
func decisionMessages(proposal domain.Proposal, decision domain.Decision, now time.Time) ([]outboundMessage, error) {
	switch decision.Kind {
	case domain.DecisionDenied:
		return []outboundMessage{{
			routingKey: domain.QueueProposalDenied,
			payload: domain.ProposalDenied{
				ProposalID: proposal.ID,
				CustomerID: proposal.CustomerID,
				DeniedAt:   now,
			},
		}}, nil

	case domain.DecisionApproved:
		approved := domain.ProposalApproved{
			ProposalID:    proposal.ID,
			CustomerID:    proposal.CustomerID,
			NumberOfCards: decision.Cards,
			ApprovedAt:    now,
		}
		messages := []outboundMessage{{routingKey: domain.QueueProposalApproved, payload: approved}}
		for _, request := range domain.CardIssueRequests(approved, now) {
			messages = append(messages, outboundMessage{routingKey: domain.QueueCardIssueRequested, payload: request})
		}
		return messages, nil

	default:
		return nil, fmt.Errorf("unknown decision kind %d", decision.Kind)
	}
}
