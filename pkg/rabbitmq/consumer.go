/**
 * @description
 * This package provides a reusable RabbitMQ consumer client with manual
 * acknowledgements, delayed redelivery and dead-lettering.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The Go client for RabbitMQ.
 * - log: For logging connection, channel and settlement errors.
 *
 * @notes
 * - Handlers return an Outcome instead of acking themselves; the consumer
 *   settles the delivery.
 * - DeadLetter relies on the queue's x-dead-letter-exchange so the broker
 *   forwards the original message unmodified.
 * - Redeliver republishes a copy into the next delay tier and acks the
 *   original. Once the tiers are spent the message is dead-lettered.
 */
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RedeliveryCountHeader counts broker-level redeliveries of a message.
const RedeliveryCountHeader = "x-redelivery-count"

var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Outcome tells the consumer how to settle a delivery.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Requeue puts the message back at once, used when shutting down.
	Requeue
	// Redeliver schedules the message on the next delay tier.
	Redeliver
	// DeadLetter forwards the message to the queue's dead-letter queue.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Redeliver:
		return "redeliver"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) Outcome

// Binding attaches a handler to a declared queue.
type Binding struct {
	Queue    string
	Prefetch int
	// MaxRedeliveries must match the number of delay tiers declared for Queue.
	MaxRedeliveries int
	Handler         Handler
}

// Consumer holds the connection to RabbitMQ. Each Consume call uses its
// own channel.
type Consumer struct {
	conn *amqp.Connection
}

// NewConsumer creates and returns a new RabbitMQ consumer.
func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn}, nil
}

// DeclareTopology declares t on a short-lived channel.
func (c *Consumer) DeclareTopology(t Topology) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return t.Declare(ch)
}

// Consume delivers messages from b.Queue to b.Handler until ctx is done or
// the channel closes.
func (c *Consumer) Consume(ctx context.Context, b Binding) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	prefetch := b.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}

	tag := "consumer." + b.Queue
	msgs, err := ch.Consume(
		b.Queue, // queue
		tag,     // consumer
		false,   // auto-ack is false, we will manually acknowledge
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return err
	}

	s := &settler{queue: b.Queue, maxRedeliveries: b.MaxRedeliveries, publisher: ch}
	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}
			outcome := runHandler(ctx, b.Handler, d)
			if err := s.settle(ctx, d, outcome); err != nil {
				log.Printf("level=error component=rabbitmq_consumer msg=\"settle failed\" queue=%s outcome=%s err=%v", b.Queue, outcome, err)
			}
		}
	}
}

func runHandler(ctx context.Context, h Handler, d amqp.Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler panic\" routing_key=%s panic=%v", d.RoutingKey, r)
			outcome = DeadLetter
		}
	}()
	return h(ctx, d.Body)
}

// Close closes the RabbitMQ connection.
func (c *Consumer) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type settler struct {
	queue           string
	maxRedeliveries int
	publisher       channelPublisher
}

func (s *settler) settle(ctx context.Context, d amqp.Delivery, outcome Outcome) error {
	switch outcome {
	case Ack:
		return d.Ack(false)
	case Requeue:
		return d.Nack(false, true)
	case DeadLetter:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"dead-lettering message\" queue=%s message_id=%s", s.queue, d.MessageId)
		return d.Nack(false, false)
	case Redeliver:
		return s.redeliver(ctx, d)
	default:
		return d.Nack(false, true)
	}
}

func (s *settler) redeliver(ctx context.Context, d amqp.Delivery) error {
	count := RedeliveryCount(d.Headers)
	if count >= s.maxRedeliveries {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"redeliveries exhausted; dead-lettering\" queue=%s redeliveries=%d", s.queue, count)
		return d.Nack(false, false)
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RedeliveryCountHeader] = int32(count + 1)

	tier := RetryQueueName(s.queue, count+1)
	err := s.publisher.PublishWithContext(ctx, "", tier, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Body:         d.Body,
	})
	if err != nil {
		// Fall back to an immediate requeue rather than losing the message.
		if nackErr := d.Nack(false, true); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return fmt.Errorf("publish to %s: %w", tier, err)
	}
	log.Printf("level=info component=rabbitmq_consumer msg=\"scheduled redelivery\" queue=%s tier=%s", s.queue, tier)
	return d.Ack(false)
}

// RedeliveryCount reads RedeliveryCountHeader, tolerating the integer
// widths the broker may hand back.
func RedeliveryCount(headers amqp.Table) int {
	switch v := headers[RedeliveryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
