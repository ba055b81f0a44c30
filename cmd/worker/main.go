/**
 * @description
 * Entry point for the worker. It consumes customer.created and
 * proposal.approved and drives the proposal and card services over HTTP.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Optional delivery guard.
 * - pkg/rabbitmq: Consumer with dead-lettering and delayed redelivery.
 * - pkg/proposalclient, pkg/cardclient: Resilient downstream clients.
 *
 * @notes
 * - Redis is optional; without it the guard is a no-op and the downstream
 *   idempotency keys alone prevent duplicates.
 */
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/app"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/config"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/cardclient"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/proposalclient"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/rabbitmq"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.ProposalServiceURL) == "" || strings.TrimSpace(cfg.CardServiceURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"downstream urls must be configured\" env=PROPOSAL_SERVICE_URL,CARD_SERVICE_URL")
	}

	guard := newDeliveryGuard(cfg)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer consumer.Close()

	delays := rabbitmq.ExponentialDelays(cfg.RedeliveryMinDelay, cfg.RedeliveryMaxDelay, cfg.RedeliveryMax)
	if err := consumer.DeclareTopology(app.BrokerTopology(delays)); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq topology declaration failed\" err=%v", err)
	}

	policy := resilience.Policy{
		Timeout:          cfg.ResilienceTimeout,
		AttemptTimeout:   cfg.ResilienceAttemptTimeout,
		MaxRetries:       cfg.ResilienceMaxRetries,
		BaseDelay:        cfg.ResilienceBaseDelay,
		FailureThreshold: uint32(cfg.ResilienceFailureThreshold),
		Interval:         cfg.ResilienceWindow,
		OpenTimeout:      cfg.ResilienceOpenTimeout,
	}
	proposals := proposalclient.NewClient(cfg.ProposalServiceURL, cfg.InternalAPIKey, policy)
	cards := cardclient.NewClient(cfg.CardServiceURL, cfg.InternalAPIKey, policy)

	bindings := []rabbitmq.Binding{
		{
			Queue:    domain.QueueCustomerCreated,
			Prefetch: cfg.ConsumerPrefetch,
			Handler:  app.NewCustomerCreatedConsumer(proposals, guard).Handle,
		},
		{
			Queue:           domain.QueueProposalApproved,
			Prefetch:        cfg.ConsumerPrefetch,
			MaxRedeliveries: len(delays),
			Handler:         app.NewProposalApprovedConsumer(cards, guard).Handle,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, b := range bindings {
		wg.Add(1)
		go func(b rabbitmq.Binding) {
			defer wg.Done()
			log.Printf("level=info component=worker msg=\"consumer started\" queue=%s", b.Queue)
			if err := consumer.Consume(ctx, b); err != nil {
				if errors.Is(err, rabbitmq.ErrDeliveriesClosed) {
					log.Fatalf("level=fatal component=worker msg=\"broker closed deliveries\" queue=%s", b.Queue)
				}
				log.Printf("level=error component=worker msg=\"consumer stopped\" queue=%s err=%v", b.Queue, err)
			}
		}(b)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=worker msg=\"shutdown started\"")

	cancel()
	wg.Wait()
	log.Println("level=info component=worker msg=\"shutdown complete\"")
}

func newDeliveryGuard(cfg config.Config) app.DeliveryGuard {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; delivery guard disabled\" env=REDIS_URL")
		return app.NoopDeliveryGuard{}
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; delivery guard disabled\" err=%v", err)
		return app.NoopDeliveryGuard{}
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; delivery guard disabled\" err=%v", err)
		client.Close()
		return app.NoopDeliveryGuard{}
	}

	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return app.NewRedisDeliveryGuard(client, cfg.DeliveryGuardPrefix, cfg.DeliveryGuardTTL)
}
