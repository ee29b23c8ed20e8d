package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultGrace = 150 * time.Millisecond

// SyncSender delivers once and reports the outcome. Nothing is persisted and
// nothing is retried.
type SyncSender struct {
	deliverer Deliverer
	logger    *logrus.Logger
	now       func() time.Time
}

func NewSyncSender(d Deliverer, logger *logrus.Logger) *SyncSender {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &SyncSender{deliverer: d, logger: logger, now: time.Now}
}

func (s *SyncSender) Send(ctx context.Context, p models.Payload) Outcome {
	key := models.NewIdempotencyKey(p, s.now())
	outcome := s.deliverer.Deliver(ctx, p, key)
	logOutcome(s.logger, p, key, outcome)
	return outcome
}

// BatchSender starts every delivery concurrently and waits at most Grace.
// Deliveries still running after that are left to finish on their own and
// are no longer counted. Best effort only.
type BatchSender struct {
	deliverer   Deliverer
	grace       time.Duration
	concurrency int
	logger      *logrus.Logger
	now         func() time.Time
}

type BatchConfig struct {
	Grace time.Duration
	// Concurrency caps parallel deliveries; zero means one per payload
	Concurrency int
	Logger      *logrus.Logger
}

func NewBatchSender(d Deliverer, cfg BatchConfig) *BatchSender {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	return &BatchSender{
		deliverer:   d,
		grace:       cfg.Grace,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Send returns how many payloads were delivered inside the grace window.
func (s *BatchSender) Send(ctx context.Context, payloads []models.Payload) int {
	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	// Deliveries outlive the grace window and the caller's context
	deliverCtx := context.WithoutCancel(ctx)

	var delivered atomic.Int64
	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}

	now := s.now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, p := range payloads {
			p := p
			g.Go(func() error {
				key := models.NewIdempotencyKey(p, now)
				outcome := s.deliverer.Deliver(deliverCtx, p, key)
				if outcome.OK() {
					delivered.Add(1)
				}
				logOutcome(s.logger, p, key, outcome)
				return nil
			})
		}
		_ = g.Wait()
	}()

	finished := true
	select {
	case <-done:
	case <-timer.C:
		finished = false
	case <-ctx.Done():
		finished = false
	}

	n := int(delivered.Load())
	s.logger.WithFields(logrus.Fields{
		"sent":      len(payloads),
		"delivered": n,
		"grace":     s.grace,
		"finished":  finished,
	}).Info("Batch dispatched")
	return n
}

func logOutcome(logger *logrus.Logger, p models.Payload, key string, o Outcome) {
	entry := logger.WithFields(logrus.Fields{
		"product_id":      p.ID,
		"idempotency_key": key,
		"outcome":         o.Kind.String(),
	})
	if o.StatusCode != 0 {
		entry = entry.WithField("status_code", o.StatusCode)
	}
	switch o.Kind {
	case Delivered:
		entry.Info("Payload delivered")
	case Cancelled:
		entry.WithField("error", o.Detail).Warn("Delivery abandoned")
	default:
		entry.WithField("error", o.Detail).Error("Delivery failed")
	}
}
