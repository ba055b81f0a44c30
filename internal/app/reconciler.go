/**
 * @description
 * Cron-driven recovery for proposals that never finished evaluation: the
 * local queue lost them on restart, was full, or the decision could not be
 * saved.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/pedrorocha014/Paran-Banco-RT/internal/domain"
	"github.com/pedrorocha014/Paran-Banco-RT/internal/store"
	"github.com/robfig/cron/v3"
)

// Reconciler re-enqueues proposals stuck in the created state.
type Reconciler struct {
	repo       store.Repository
	queue      Enqueuer
	logger     *slog.Logger
	staleAfter time.Duration
	batchSize  int
	timeout    time.Duration
	now        func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(repo store.Repository, queue Enqueuer, logger *slog.Logger, staleAfter time.Duration, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		repo:       repo,
		queue:      queue,
		logger:     logger,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		timeout:    time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileStaleProposals is the cron entry point.
func (r *Reconciler) ReconcileStaleProposals() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	requeued, err := r.Reconcile(ctx)
	if err != nil {
		r.logger.Error("stale proposal reconciliation failed", "error", err, "requeued", requeued)
		return
	}
	if requeued > 0 {
		r.logger.Info("requeued stale proposals", "count", requeued)
	}
}

// Reconcile enqueues one batch of stale proposals and returns how many were
// accepted by the queue. It stops early when the queue rejects an item.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	proposals, err := r.repo.ListStaleCreatedProposals(ctx, r.now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, p := range proposals {
		if err := r.queue.Enqueue(domain.ProposalCreatedEvent{Proposal: p}); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Scheduler manages the cron jobs of the proposal service.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	logger     *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler *Reconciler, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		logger:     logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.reconciler.ReconcileStaleProposals); err != nil {
		s.logger.Error("failed to schedule stale proposal reconciler", "error", err)
		return err
	}
	s.logger.Info("scheduled stale proposal reconciler", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
