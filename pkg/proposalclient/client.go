/**
 * @description
 * This package provides a client for the proposal-api internal endpoint.
 * Calls go through the resilient caller, so retries, timeouts and the
 * circuit breaker apply to every request.
 */
package proposalclient

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
)

// Client is a client for the proposal service.
type Client struct {
	baseURL string
	apiKey  string
	caller  *resilience.Caller
}

// NewClient creates a new proposal service client.
func NewClient(baseURL string, apiKey string, policy resilience.Policy) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		caller:  resilience.NewCaller("proposal-api", &http.Client{}, policy),
	}
}

// CreateProposalRequest defines the request payload for creating a proposal.
type CreateProposalRequest struct {
	CustomerID uuid.UUID `json:"customer_id"`
}

// Proposal is the proposal returned by the service.
type Proposal struct {
	ID         uuid.UUID `json:"id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateProposal asks the proposal service to open a proposal for
// customerID. Repeating the call with the same idempotencyKey returns the
// same proposal.
func (c *Client) CreateProposal(ctx context.Context, customerID uuid.UUID, idempotencyKey string) (*Proposal, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("proposal service base url is empty")
	}

	body, err := json.Marshal(CreateProposalRequest{CustomerID: customerID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/proposals", c.baseURL)

	resp, err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		if c.apiKey != "" {
			req.Header.Set("X-Internal-API-Key", c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create proposal for customer %s: %w", customerID, err)
	}
	defer resp.Body.Close()

	var proposal Proposal
	if err := json.NewDecoder(resp.Body).Decode(&proposal); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &proposal, nil
}
