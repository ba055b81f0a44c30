package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ReplayedFromHeader records which dead-letter queue a replayed message came from.
const ReplayedFromHeader = "x-replayed-from"

// DeadLetterMessage is a message read from a dead-letter queue.
type DeadLetterMessage struct {
	MessageID   string
	RoutingKey  string
	ContentType string
	Timestamp   time.Time
	Headers     amqp.Table
	Body        []byte
}

type deadLetterChannel interface {
	channelPublisher
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueuePurge(name string, noWait bool) (int, error)
}

// InspectDeadLetters reads up to limit messages and puts them all back.
func (c *Consumer) InspectDeadLetters(queue string, limit int) ([]DeadLetterMessage, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	return inspectDeadLetters(ch, queue, limit)
}

// ReplayDeadLetters moves up to limit messages from queue back onto
// exchange with routingKey. It returns how many were replayed.
func (c *Consumer) ReplayDeadLetters(ctx context.Context, queue, exchange, routingKey string, limit int) (int, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	return replayDeadLetters(ctx, ch, queue, exchange, routingKey, limit)
}

// PurgeDeadLetters drops every message in queue.
func (c *Consumer) PurgeDeadLetters(queue string) (int, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	return ch.QueuePurge(queue, false)
}

func inspectDeadLetters(ch deadLetterChannel, queue string, limit int) ([]DeadLetterMessage, error) {
	var (
		letters []DeadLetterMessage
		held    []amqp.Delivery
	)
	// Requeue only after reading the whole batch, otherwise Get would keep
	// returning the same head message.
	defer func() {
		for _, d := range held {
			_ = d.Nack(false, true)
		}
	}()

	for len(letters) < limit {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return letters, fmt.Errorf("get from %s: %w", queue, err)
		}
		if !ok {
			break
		}
		held = append(held, d)
		letters = append(letters, toDeadLetter(d))
	}
	return letters, nil
}

func replayDeadLetters(ctx context.Context, ch deadLetterChannel, queue, exchange, routingKey string, limit int) (int, error) {
	replayed := 0
	for replayed < limit {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return replayed, fmt.Errorf("get from %s: %w", queue, err)
		}
		if !ok {
			break
		}

		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		delete(headers, RedeliveryCountHeader)
		headers[ReplayedFromHeader] = queue

		err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
			Headers:      headers,
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Timestamp:    time.Now().UTC(),
			Body:         d.Body,
		})
		if err != nil {
			_ = d.Nack(false, true)
			return replayed, fmt.Errorf("republish to %s/%s: %w", exchange, routingKey, err)
		}
		if err := d.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack replayed message: %w", err)
		}
		replayed++
	}
	return replayed, nil
}

func toDeadLetter(d amqp.Delivery) DeadLetterMessage {
	return DeadLetterMessage{
		MessageID:   d.MessageId,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Timestamp:   d.Timestamp,
		Headers:     d.Headers,
		Body:        d.Body,
	}
}
