/**
 * @description
 * The dispatcher drains the in-process task queue and hands each event to
 * the handler registered for its type.
 *
 * @notes
 * - A failing or panicking handler is logged and the loop moves on.
 * - On shutdown the loop stops taking new items; the item in flight runs to
 *   completion under its own timeout.
 */
package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
)

const defaultHandlerTimeout = 30 * time.Second

// EventHandler processes one locally queued event.
type EventHandler func(ctx context.Context, event domain.Event) error

// Enqueuer accepts events for asynchronous processing.
type Enqueuer interface {
	Enqueue(event domain.Event) error
}

// Dispatcher routes queued events to registered handlers.
type Dispatcher struct {
	queue          *TaskQueue[domain.Event]
	handlerTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewDispatcher creates a dispatcher draining queue.
func NewDispatcher(queue *TaskQueue[domain.Event], handlerTimeout time.Duration) *Dispatcher {
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}
	return &Dispatcher{
		queue:          queue,
		handlerTimeout: handlerTimeout,
		handlers:       make(map[string]EventHandler),
	}
}

// Register binds handler to eventType, replacing any previous binding.
func (d *Dispatcher) Register(eventType string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

// HandlerFor returns the handler registered for eventType.
func (d *Dispatcher) HandlerFor(eventType string) (EventHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// Enqueue puts event on the underlying queue.
func (d *Dispatcher) Enqueue(event domain.Event) error {
	return d.queue.Enqueue(event)
}

// Run drains the queue until ctx is cancelled or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Println("level=info component=dispatcher msg=\"dispatcher started\"")
	for {
		if ctx.Err() != nil {
			log.Println("level=info component=dispatcher msg=\"dispatcher stopped\"")
			return nil
		}

		event, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				log.Println("level=info component=dispatcher msg=\"dispatcher stopped\"")
				return nil
			}
			return err
		}
		d.dispatch(ctx, event)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event domain.Event) {
	eventType := event.EventType()
	handler, ok := d.HandlerFor(eventType)
	if !ok {
		log.Printf("level=warn component=dispatcher msg=\"no handler registered; dropping event\" event_type=%s", eventType)
		return
	}

	handlerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=dispatcher msg=\"handler panic\" event_type=%s panic=%v", eventType, r)
		}
	}()

	if err := handler(handlerCtx, event); err != nil {
		log.Printf("level=error component=dispatcher msg=\"handler failed\" event_type=%s err=%v", eventType, err)
	}
}
