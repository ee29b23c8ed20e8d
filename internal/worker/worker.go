// Package worker drains the durable queue: it claims due messages, delivers
// them and applies the retry policy to failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"product-sync/internal/delivery"
	"product-sync/internal/observability"
	"product-sync/internal/queue"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LeaseExpired is recorded as last_error when an abandoned claim is recovered.
const LeaseExpired = "in-flight lease expired"

type Config struct {
	Workers      int
	IdleInterval time.Duration
	// StopAfterIdle ends a loop once consecutive empty polls exceed it.
	// Zero keeps running until the context is cancelled.
	StopAfterIdle    int
	RecoveryAfter    time.Duration
	RecoveryInterval time.Duration
	Logger           *logrus.Logger
	Metrics          observability.MetricsCollector
	Now              func() time.Time
}

type Worker struct {
	store     queue.Store
	deliverer delivery.Deliverer
	policy    queue.RetryPolicy

	workers          int
	idleInterval     time.Duration
	stopAfterIdle    int
	recoveryAfter    time.Duration
	recoveryInterval time.Duration
	logger           *logrus.Logger
	metrics          observability.MetricsCollector
	now              func() time.Time

	sweepMu   sync.Mutex
	lastSweep time.Time
}

func New(store queue.Store, deliverer delivery.Deliverer, policy queue.RetryPolicy, cfg Config) (*Worker, error) {
	if store == nil || deliverer == nil {
		return nil, errors.New("worker needs a store and a deliverer")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.StopAfterIdle < 0 {
		return nil, fmt.Errorf("stop after idle must not be negative, got %d", cfg.StopAfterIdle)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 200 * time.Millisecond
	}
	if cfg.RecoveryAfter <= 0 {
		cfg.RecoveryAfter = 5 * time.Minute
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Worker{
		store:            store,
		deliverer:        deliverer,
		policy:           policy,
		workers:          cfg.Workers,
		idleInterval:     cfg.IdleInterval,
		stopAfterIdle:    cfg.StopAfterIdle,
		recoveryAfter:    cfg.RecoveryAfter,
		recoveryInterval: cfg.RecoveryInterval,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		now:              cfg.Now,
	}, nil
}

// Run starts the worker loops and blocks until all of them stop. Context
// cancellation is a clean stop; only storage errors are returned.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"workers":         w.workers,
		"stop_after_idle": w.stopAfterIdle,
		"idle_interval":   w.idleInterval,
	}).Info("Starting worker")

	if _, err := w.Recover(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		i := i
		g.Go(func() error {
			return w.loop(gctx, i)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) error {
	logger := w.logger.WithField("worker_id", id)
	logger.Debug("Worker loop started")

	idle := 0
	for {
		if ctx.Err() != nil {
			logger.Debug("Worker loop stopping due to context cancellation")
			return nil
		}

		processed, err := w.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if processed {
			idle = 0
			continue
		}

		idle++
		if w.stopAfterIdle > 0 && idle > w.stopAfterIdle {
			logger.WithField("idle_rounds", idle).Info("Queue idle, worker loop exiting")
			return nil
		}

		if err := w.maybeRecover(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.idleInterval):
		}
	}
}

// ProcessOnce claims and handles at most one message. It reports whether a
// message was claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	claim, err := w.store.ClaimNext(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("failed to claim message: %w", err)
	}
	if claim == nil {
		return false, nil
	}
	w.metrics.IncClaimed()

	msg := claim.Message
	entry := w.logger.WithFields(logrus.Fields{
		"key":             claim.Key,
		"product_id":      msg.Payload.ID,
		"idempotency_key": msg.IdempotencyKey,
		"attempt":         msg.Attempts + 1,
	})

	outcome := w.deliverer.Deliver(ctx, msg.Payload, msg.IdempotencyKey)

	// Finalize even when the caller is shutting down
	fctx := context.WithoutCancel(ctx)

	switch outcome.Kind {
	case delivery.Delivered:
		if err := w.store.Ack(fctx, claim); err != nil {
			return true, w.finalizeErr(entry, err)
		}
		w.metrics.IncDelivered()
		entry.WithField("status_code", outcome.StatusCode).Info("Message delivered")
		return true, nil

	case delivery.Cancelled:
		entry.WithField("error", outcome.Detail).Warn("Delivery cancelled, message stays in-flight")
		return true, nil

	default:
		w.metrics.IncDeliveryFailed()
		if outcome.StatusCode != 0 {
			entry = entry.WithField("status_code", outcome.StatusCode)
		}
		return true, w.fail(fctx, claim, outcome.Detail, entry)
	}
}

// fail runs the retry policy for one failed attempt.
func (w *Worker) fail(ctx context.Context, claim *queue.Claim, cause string, entry *logrus.Entry) error {
	decision := w.policy.Apply(&claim.Message, cause, w.now())
	entry = entry.WithFields(logrus.Fields{
		"attempts": claim.Message.Attempts,
		"error":    cause,
	})

	if decision.DeadLetter {
		if err := w.store.DeadLetter(ctx, claim); err != nil {
			return w.finalizeErr(entry, err)
		}
		w.metrics.IncSentToDLQ()
		entry.Error("Max retries reached, message moved to dead-letter")
		return nil
	}

	if err := w.store.Reschedule(ctx, claim); err != nil {
		return w.finalizeErr(entry, err)
	}
	w.metrics.IncRetried()
	entry.WithFields(logrus.Fields{
		"delay":           decision.Delay,
		"next_attempt_at": claim.Message.NextAttemptAt.Format(time.RFC3339),
	}).Warn("Delivery failed, retry scheduled")
	return nil
}

// finalizeErr treats a lost claim as a warning; anything else is a storage failure.
func (w *Worker) finalizeErr(entry *logrus.Entry, err error) error {
	if errors.Is(err, queue.ErrNotClaimed) {
		entry.WithError(err).Warn("Claim lost before finalize")
		return nil
	}
	return fmt.Errorf("failed to finalize message: %w", err)
}

// Recover feeds in-flight messages older than the recovery threshold back
// through the retry policy and returns how many were recovered.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	now := w.now()
	w.sweepMu.Lock()
	w.lastSweep = now
	w.sweepMu.Unlock()
	return w.sweep(ctx, now)
}

// maybeRecover sweeps when RecoveryInterval has passed. Only one loop wins
// each interval.
func (w *Worker) maybeRecover(ctx context.Context) error {
	now := w.now()
	w.sweepMu.Lock()
	due := now.Sub(w.lastSweep) >= w.recoveryInterval
	if due {
		w.lastSweep = now
	}
	w.sweepMu.Unlock()
	if !due {
		return nil
	}
	_, err := w.sweep(ctx, now)
	return err
}

func (w *Worker) sweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := w.store.Stale(ctx, w.recoveryAfter, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale claims: %w", err)
	}

	for _, claim := range stale {
		entry := w.logger.WithFields(logrus.Fields{
			"key":        claim.Key,
			"product_id": claim.Message.Payload.ID,
		})
		w.metrics.IncRecovered()
		if err := w.fail(ctx, claim, LeaseExpired, entry); err != nil {
			return 0, err
		}
	}

	if len(stale) > 0 {
		w.logger.WithField("count", len(stale)).Info("Recovered abandoned in-flight messages")
	}
	return len(stale), nil
}
