/**
 * @description
 * This package provides a producer for publishing JSON messages to RabbitMQ.
 * Publishes are confirmed by the broker before Publish returns.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/google/uuid: Message ids.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

var ErrPublishNotConfirmed = errors.New("publish was not confirmed by broker")

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// EventProducer holds the RabbitMQ connection and a confirm-mode channel.
// A closed connection is redialled on the next failed publish.
type EventProducer struct {
	mu      sync.Mutex
	url     string
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters in front of the scheme.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(amqpURL string) (*amqp091.Connection, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Bounded dial timeout so startup does not hang indefinitely.
	return amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := openConfirmChannel(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{url: amqpURL, conn: conn, channel: ch}, nil
}

func openConfirmChannel(conn *amqp091.Connection) (*amqp091.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// DeclareTopology declares the exchanges and queues the producer publishes into.
func (p *EventProducer) DeclareTopology(t Topology) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.Declare(p.channel)
}

// Publish sends a JSON message to exchange with routingKey and waits for
// the broker confirm.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		err = p.publishConfirmed(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
	}
	if err := p.reopen(); err != nil {
		return err
	}
	return p.publishConfirmed(ctx, exchange, routingKey, msg)
}

// reopen replaces the channel, redialling first when the connection is gone.
func (p *EventProducer) reopen() error {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		if p.url == "" {
			return errors.New("rabbitmq connection closed")
		}
		conn, err := dial(p.url)
		if err != nil {
			return fmt.Errorf("redial rabbitmq: %w", err)
		}
		p.conn = conn
	}
	ch, err := openConfirmChannel(p.conn)
	if err != nil {
		return fmt.Errorf("reopen channel: %w", err)
	}
	p.channel = ch
	return nil
}

func (p *EventProducer) publishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
