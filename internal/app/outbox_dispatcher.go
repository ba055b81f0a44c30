/**
 * @description
 * Publishes the messages written to event_outbox. Services record their
 * broker messages in the same transaction as the state change, so a broker
 * outage delays messages instead of losing them.
 *
 * @notes
 * - Delivery is at least once. Consumers rely on idempotency keys.
 * - A failed publish is retried with exponential backoff capped at five
 *   minutes. A message claimed by a dispatcher that died is reclaimed once
 *   it has been processing longer than the stale window.
 */
package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
)

const (
	defaultOutboxBatchSize    = 50
	defaultOutboxPollInterval = time.Second
	defaultOutboxStaleAfter   = 2 * time.Minute
	maxOutboxRetryDelay       = 5 * time.Minute
)

// OutboxStore is the part of the repository the dispatcher needs.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]store.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error
}

// OutboxDispatcher drains the outbox on a ticker.
type OutboxDispatcher struct {
	repo         OutboxStore
	publisher    EventPublisher
	batchSize    int
	pollInterval time.Duration
	staleAfter   time.Duration
}

// NewOutboxDispatcher creates a dispatcher. Non-positive settings fall back
// to defaults.
func NewOutboxDispatcher(repo OutboxStore, publisher EventPublisher, pollInterval time.Duration, batchSize int, staleAfter time.Duration) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultOutboxPollInterval
	}
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	if staleAfter <= 0 {
		staleAfter = defaultOutboxStaleAfter
	}
	return &OutboxDispatcher{
		repo:         repo,
		publisher:    publisher,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
	}
}

// Run flushes the outbox every poll interval until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Flush(ctx); err != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"outbox flush failed\" err=%v", err)
			}
		}
	}
}

// Flush publishes one batch of due messages and returns how many were
// published.
func (d *OutboxDispatcher) Flush(ctx context.Context) (int, error) {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, d.staleAfter)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		payload := json.RawMessage(message.Payload)
		if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, payload); err != nil {
			retryAfter := outboxRetryDelay(message.Attempts)
			log.Printf("level=warn component=outbox_dispatcher msg=\"publish failed; will retry\" outbox_id=%d routing_key=%s attempts=%d retry_after=%s err=%v", message.ID, message.RoutingKey, message.Attempts, retryAfter, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"failed to reschedule outbox message\" outbox_id=%d err=%v", message.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=error component=outbox_dispatcher msg=\"failed to mark outbox message published\" outbox_id=%d err=%v", message.ID, err)
			continue
		}
		published++
	}
	return published, nil
}

func outboxRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		return time.Second
	}
	if attempts > 8 {
		attempts = 8
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > maxOutboxRetryDelay {
		return maxOutboxRetryDelay
	}
	return delay
}
