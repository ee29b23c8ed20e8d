// Package events publishes "product created" events for the ingest consumer.
// Upstream systems can use it instead of writing to the queue directly.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"product-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// ProductEvent is the envelope understood by the ingest consumer
type ProductEvent struct {
	Event      string         `json:"event"`
	Product    map[string]any `json:"product"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// MessageWriter is the subset of *kafka.Writer used by Publisher
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	RequiredAcks kafka.RequiredAcks
	// Writer replaces the default *kafka.Writer, mainly for tests
	Writer MessageWriter
}

func (c *Config) Validate() error {
	if c.Writer == nil && len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if c.WriteTimeout < 0 {
		return errors.New("writeTimeout cannot be negative")
	}
	if c.ReadTimeout < 0 {
		return errors.New("readTimeout cannot be negative")
	}
	return nil
}

// RetryPolicy controls PublishWithRetry
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// PermanentError indicates the event can never be published as is
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

type Publisher struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

func Open(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireAll
	}
	if cfg.Writer == nil {
		cfg.Writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: cfg.WriteTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			RequiredAcks: cfg.RequiredAcks,
		}
	}

	return &Publisher{writer: cfg.Writer, topic: cfg.Topic, now: time.Now}, nil
}

// Publish sends one product record and returns the event id carried in the
// message-id header.
func (p *Publisher) Publish(ctx context.Context, product map[string]any) (string, error) {
	eventID := uuid.NewString()
	if err := p.publish(ctx, eventID, product); err != nil {
		return "", err
	}
	return eventID, nil
}

func (p *Publisher) publish(ctx context.Context, eventID string, product map[string]any) error {
	if len(product) == 0 {
		return &PermanentError{Err: errors.New("product record is empty")}
	}

	value, err := json.Marshal(ProductEvent{
		Event:      models.EventProductCreated,
		Product:    product,
		OccurredAt: p.now().UTC(),
	})
	if err != nil {
		return &PermanentError{Err: err}
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprint(product["id"])),
		Value: value,
		Time:  p.now(),
		Headers: []kafka.Header{
			{Key: models.HeaderMessageID, Value: []byte(eventID)},
			{Key: models.HeaderEventType, Value: []byte(models.EventProductCreated)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	return nil
}

// PublishWithRetry retries transient failures with exponential backoff. Every
// attempt carries the same event id.
func (p *Publisher) PublishWithRetry(ctx context.Context, product map[string]any, policy RetryPolicy) (string, error) {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}

	eventID := uuid.NewString()
	var lastErr error
	for i := 0; i < policy.MaxRetries; i++ {
		err := p.publish(ctx, eventID, product)
		if err == nil {
			return eventID, nil
		}
		if IsPermanent(err) {
			return "", err
		}
		lastErr = err

		if i < policy.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(calculateBackoff(policy, i)):
			}
		}
	}
	return "", fmt.Errorf("gave up after %d attempts: %w", policy.MaxRetries, lastErr)
}

func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	backoff := time.Duration(float64(policy.InitialBackoff) * math.Pow(policy.BackoffFactor, float64(attempt)))
	if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
		backoff = policy.MaxBackoff
	}

	// Jitter stays within MaxBackoff
	if policy.Jitter && backoff > 0 {
		if maxJitter := backoff / 4; maxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(maxJitter)))
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}
	}
	return backoff
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// CloseGracefully waits at most timeout for buffered writes to flush
func (p *Publisher) CloseGracefully(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.writer.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
