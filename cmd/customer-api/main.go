/**
 * @description
 * Entry point for the customer-api. It registers customers and publishes
 * customer.created through the outbox, which starts the card issuance
 * pipeline.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/store, internal/app, internal/api: Persistence, services and HTTP.
 * - pkg/rabbitmq: Event producer.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/api"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/app"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/config"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
	"github.com/pedrorocha014/Paran-Banco-RT/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting customer-api\" port=%s", cfg.ServerPort)

	dbpool, err := store.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repo := store.NewPostgresRepository(dbpool)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer producer.Close()
	if err := producer.DeclareTopology(app.BrokerTopology(brokerDelays(cfg))); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq topology declaration failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")

	outbox := app.NewOutboxDispatcher(repo, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxStaleAfter)
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	defer stopOutbox()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		outbox.Run(outboxCtx)
	}()

	customers := app.NewCustomerService(repo)
	router := api.NewCustomerRouter(api.NewCustomerHandler(customers))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	stopOutbox()
	wg.Wait()
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func brokerDelays(cfg config.Config) []time.Duration {
	return rabbitmq.ExponentialDelays(cfg.RedeliveryMinDelay, cfg.RedeliveryMaxDelay, cfg.RedeliveryMax)
}
