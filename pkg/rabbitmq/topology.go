package rabbitmq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Declarer is the subset of *amqp091.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
}

// QueueSpec describes one durable queue bound to the events exchange.
type QueueSpec struct {
	Name       string
	RoutingKey string
	// DeadLetterQueue, when set, receives messages rejected without requeue.
	DeadLetterQueue string
	// RedeliveryDelays declares one delay tier per entry.
	RedeliveryDelays []time.Duration
	// MaxLength and MessageTTL bound queues that may have no consumer.
	// Zero means unbounded. Overflow drops the oldest message.
	MaxLength  int
	MessageTTL time.Duration
}

// Topology is the full set of exchanges and queues of the pipeline.
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	Queues             []QueueSpec
}

// RetryQueueName names the delay tier used for the given redelivery attempt.
func RetryQueueName(queue string, tier int) string {
	return fmt.Sprintf("%s.retry.%d", queue, tier)
}

// ExponentialDelays returns count delays starting at min and doubling,
// capped at max.
func ExponentialDelays(min, max time.Duration, count int) []time.Duration {
	delays := make([]time.Duration, 0, count)
	delay := min
	for i := 0; i < count; i++ {
		if delay > max {
			delay = max
		}
		delays = append(delays, delay)
		delay *= 2
	}
	return delays
}

// Declare creates the topology. It is safe to call repeatedly as long as
// every caller declares the same arguments.
func (t Topology) Declare(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if t.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", t.DeadLetterExchange, err)
		}
	}

	for _, q := range t.Queues {
		if err := t.declareQueue(ch, q); err != nil {
			return err
		}
	}
	return nil
}

func (t Topology) declareQueue(ch Declarer, q QueueSpec) error {
	args := amqp091.Table{}
	if q.DeadLetterQueue != "" {
		if t.DeadLetterExchange == "" {
			return fmt.Errorf("queue %s has a dead-letter queue but topology has no dead-letter exchange", q.Name)
		}
		if _, err := ch.QueueDeclare(q.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.DeadLetterQueue, err)
		}
		if err := ch.QueueBind(q.DeadLetterQueue, q.DeadLetterQueue, t.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.DeadLetterQueue, err)
		}
		args["x-dead-letter-exchange"] = t.DeadLetterExchange
		args["x-dead-letter-routing-key"] = q.DeadLetterQueue
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = int64(q.MaxLength)
		args["x-overflow"] = "drop-head"
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}
	if len(args) == 0 {
		args = nil
	}

	if _, err := ch.QueueDeclare(q.Name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.Name, err)
	}
	if err := ch.QueueBind(q.Name, q.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	// Delay tiers have no consumers; expired messages go straight back to
	// the source queue through the default exchange.
	for i, delay := range q.RedeliveryDelays {
		tierArgs := amqp091.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.Name,
		}
		name := RetryQueueName(q.Name, i+1)
		if _, err := ch.QueueDeclare(name, true, false, false, false, tierArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	return nil
}
