/**
 * @description
 * Entry point for the proposal-api. Besides the HTTP endpoint it runs the
 * local evaluation pipeline: the task queue, the dispatcher loop and the cron
 * reconciler for proposals left in the created state.
 *
 * @notes
 * - On shutdown the HTTP server stops first, then the dispatcher finishes its
 *   in-flight proposal, then the outbox dispatcher stops. Unpublished outbox
 *   rows are sent by the next run. Queued proposals are picked up by the reconciler of
 *   the next run.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
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
	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
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
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not set; /proposals is unauthenticated\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting proposal-api\" port=%s", cfg.ServerPort)

	dbpool, err := store.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()

	repo := store.NewPostgresRepository(dbpool)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer producer.Close()
	delays := rabbitmq.ExponentialDelays(cfg.RedeliveryMinDelay, cfg.RedeliveryMaxDelay, cfg.RedeliveryMax)
	if err := producer.DeclareTopology(app.BrokerTopology(delays)); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq topology declaration failed\" err=%v", err)
	}

	queue := app.NewTaskQueue[domain.Event](cfg.TaskQueueCapacity)
	dispatcher := app.NewDispatcher(queue, cfg.EvaluationHandlerTimeout)
	evaluator := app.NewProposalEvaluator(repo, app.RandomScoreProvider{})
	dispatcher.Register(domain.EventTypeProposalCreated, evaluator.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			log.Printf("level=error component=dispatcher msg=\"dispatcher exited\" err=%v", err)
		}
	}()

	outbox := app.NewOutboxDispatcher(repo, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxStaleAfter)
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	defer stopOutbox()
	var outboxWG sync.WaitGroup
	outboxWG.Add(1)
	go func() {
		defer outboxWG.Done()
		outbox.Run(outboxCtx)
	}()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reconciler := app.NewReconciler(repo, dispatcher, logger, cfg.ProposalStaleAfter, cfg.ProposalReconcileBatch)
	scheduler := app.NewScheduler(reconciler, cfg.ProposalReconcileSchedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	proposals := app.NewProposalService(repo, dispatcher)
	router := api.NewProposalRouter(api.NewProposalHandler(proposals), cfg.InternalAPIKey)
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	<-scheduler.Stop().Done()
	cancel()
	queue.Close()
	wg.Wait()
	stopOutbox()
	outboxWG.Wait()
	log.Printf("level=info component=bootstrap msg=\"shutdown complete\" pending_proposals=%d", queue.Len())
}
