/**
 * @description
 * This package provides a client for the card-api internal endpoint used to
 * issue cards for approved proposals.
 *
 * @notes
 * - The idempotency key travels in the body; the card service treats a
 *   repeated key as a successful no-op.
 * - Limits are sent as fixed two decimal strings.
 */
package cardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/resilience"
	"github.com/shopspring/decimal"
)

// Client is a client for the card service.
type Client struct {
	baseURL string
	apiKey  string
	caller  *resilience.Caller
}

// NewClient creates a new card service client.
func NewClient(baseURL string, apiKey string, policy resilience.Policy) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		caller:  resilience.NewCaller("card-api", &http.Client{}, policy),
	}
}

// IssueCardRequest defines the request payload for issuing a card.
type IssueCardRequest struct {
	ProposalID     uuid.UUID `json:"proposal_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Limit          string    `json:"limit"`
}

// Card is the card returned by the service.
type Card struct {
	ID             uuid.UUID       `json:"id"`
	ProposalID     uuid.UUID       `json:"proposal_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Limit          decimal.Decimal `json:"limit"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IssueCard asks the card service to issue the card identified by
// idempotencyKey.
func (c *Client) IssueCard(ctx context.Context, proposalID uuid.UUID, idempotencyKey string, limit decimal.Decimal) (*Card, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("card service base url is empty")
	}

	body, err := json.Marshal(IssueCardRequest{
		ProposalID:     proposalID,
		IdempotencyKey: idempotencyKey,
		Limit:          limit.StringFixed(2),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/cards", c.baseURL)

	resp, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-Internal-API-Key", c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("issue card %s: %w", idempotencyKey, err)
	}
	defer resp.Body.Close()

	var card Card
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &card, nil
}
