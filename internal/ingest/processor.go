package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

// ErrUndecodable marks an event that will never parse; it is skipped, not retried.
var ErrUndecodable = errors.New("undecodable product event")

// Enqueuer admits a payload to the durable queue
type Enqueuer interface {
	Enqueue(ctx context.Context, p models.Payload) (string, error)
}

// Processor turns a "product created" event into a queued delivery
type Processor struct {
	enqueuer Enqueuer
	logger   *logrus.Logger
	metrics  observability.MetricsCollector
}

func NewProcessor(enq Enqueuer, logger *logrus.Logger, metrics observability.MetricsCollector) *Processor {
	if logger == nil {
		logger = observability.GetLogger()
	}
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	return &Processor{enqueuer: enq, logger: logger, metrics: metrics}
}

// Process accepts either a bare product record or an envelope of the form
// {"event": "...", "product": {...}}.
func (p *Processor) Process(ctx context.Context, value []byte) (string, error) {
	record, err := decodeRecord(value)
	if err != nil {
		return "", err
	}

	payload := models.BuildPayload(record)
	key, err := p.enqueuer.Enqueue(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue product %d: %w", payload.ID, err)
	}

	p.metrics.IncIngested()
	p.logger.WithFields(logrus.Fields{
		"key":        key,
		"product_id": payload.ID,
	}).Debug("Product event enqueued")
	return key, nil
}

func decodeRecord(value []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: empty record", ErrUndecodable)
	}

	if inner, ok := data["product"]; ok {
		product, ok := inner.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: product field is not an object", ErrUndecodable)
		}
		return product, nil
	}
	return data, nil
}
