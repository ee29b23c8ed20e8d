package queue

import (
	"context"
	"fmt"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Enqueuer turns payloads into durable pending messages.
type Enqueuer struct {
	store   Store
	logger  *logrus.Logger
	metrics observability.MetricsCollector
	now     func() time.Time
}

type EnqueuerConfig struct {
	Logger  *logrus.Logger
	Metrics observability.MetricsCollector
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func NewEnqueuer(store Store, cfg EnqueuerConfig) *Enqueuer {
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Enqueuer{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Enqueue persists p as a new pending message and returns its storage key.
// It never waits on delivery.
func (e *Enqueuer) Enqueue(ctx context.Context, p models.Payload) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}

	now := e.now().UTC()
	msg := models.Message{
		ID:             id.String(),
		Payload:        p,
		IdempotencyKey: models.NewIdempotencyKey(p, now),
		CreatedAt:      now,
		Attempts:       0,
		NextAttemptAt:  now,
	}

	key, err := e.store.PutPending(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	e.metrics.IncEnqueued()
	e.logger.WithFields(logrus.Fields{
		"key":             key,
		"product_id":      p.ID,
		"idempotency_key": msg.IdempotencyKey,
	}).Info("Enqueued payload")

	return key, nil
}
