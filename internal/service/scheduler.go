package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rowanvale/iduna/internal/domain"
	"github.com/rowanvale/iduna/internal/store"
	"github.com/rowanvale/iduna/internal/telemetry"
)

// SchedulerConfig holds renewal scheduler configuration.
type SchedulerConfig struct {
	// SweepInterval is how often to look for due subscriptions.
	SweepInterval time.Duration

	// MaxConcurrency bounds concurrent renewal attempts per instance.
	MaxConcurrency int

	// ClaimTTL is how long a processing claim is honored before it is
	// considered abandoned. Must exceed the worst-case attempt duration.
	ClaimTTL time.Duration
}

// Scheduler periodically sweeps for due subscriptions and fans out bounded
// concurrent renewal attempts. Multiple instances can run the same sweep
// safely: each subscription is claimed before billing, and a lost claim
// means another instance owns the attempt.
type Scheduler struct {
	config   SchedulerConfig
	store    store.Store
	executor *Executor
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewScheduler creates a renewal scheduler.
func NewScheduler(cfg SchedulerConfig, st store.Store, executor *Executor, metrics *telemetry.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}

	return &Scheduler{
		config:   cfg,
		store:    st,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run sweeps until the context is cancelled. In-flight attempts finish
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("renewal scheduler starting",
		"sweep_interval", s.config.SweepInterval,
		"max_concurrency", s.config.MaxConcurrency,
		"claim_ttl", s.config.ClaimTTL,
	)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("renewal scheduler shutting down")
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunOnce(ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("renewal sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep: load everything due at now, claim each
// subscription, and bill it. Exposed separately for tests and for manual
// trigger by the ops API.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	start := time.Now()

	due, err := s.store.LoadDue(ctx, now)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SweepDueCount.Observe(float64(len(due)))
	}
	if len(due) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i := range due {
		sub := due[i]

		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.claimAndRenew(ctx, &sub, now)
		}()
	}

	wg.Wait()
	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// claimAndRenew bills one subscription under an exclusivity claim.
func (s *Scheduler) claimAndRenew(ctx context.Context, sub *domain.Subscription, now time.Time) {
	if err := s.store.Claim(ctx, sub.ID, now, s.config.ClaimTTL); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			// Another instance owns this attempt.
			if s.metrics != nil {
				s.metrics.ClaimConflicts.Inc()
			}
			return
		}
		s.logger.Error("claim failed", "subscription_id", sub.ID, "error", err)
		return
	}
	defer func() {
		if err := s.store.ReleaseClaim(ctx, sub.ID); err != nil {
			// The claim expires on its own after the TTL.
			s.logger.Warn("release claim failed", "subscription_id", sub.ID, "error", err)
		}
	}()

	outcome, err := s.executor.Renew(ctx, sub.ID, now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A user action raced the attempt. The next sweep re-evaluates
			// from the fresh record.
			s.logger.Info("renewal lost optimistic write", "subscription_id", sub.ID)
			return
		}
		s.logger.Error("renewal attempt failed",
			"subscription_id", sub.ID,
			"error", err,
		)
		return
	}

	s.logger.Info("renewal processed",
		"subscription_id", sub.ID,
		"outcome", outcome.Outcome,
		"amount_cents", outcome.AmountCents,
		"skipped_items", len(outcome.SkippedItems),
	)
}
