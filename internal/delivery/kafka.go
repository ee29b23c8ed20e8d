package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageWriter is the subset of *kafka.Writer used for delivery
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient publishes payloads to a topic instead of calling an HTTP endpoint.
// Messages are keyed by product id so updates for one product stay ordered.
type KafkaClient struct {
	brokers []string
	topic   string
	timeout time.Duration
	writer  MessageWriter
	logger  *logrus.Logger
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
	// Writer replaces the default *kafka.Writer, mainly for tests
	Writer MessageWriter
	Logger *logrus.Logger
}

func NewKafkaClient(cfg KafkaConfig) *KafkaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Writer == nil {
		cfg.Writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            1, // retries belong to the queue
			WriteTimeout:           cfg.Timeout,
			ReadTimeout:            cfg.Timeout,
			AllowAutoTopicCreation: false,
			Async:                  false,
		}
	}

	return &KafkaClient{
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
		writer:  cfg.Writer,
		logger:  cfg.Logger,
	}
}

func (c *KafkaClient) Deliver(ctx context.Context, p models.Payload, idempotencyKey string) Outcome {
	body, err := encodePayload(p)
	if err != nil {
		return failed(0, err.Error())
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(p.ID, 10)),
		Value: body,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: models.HeaderIdempotencyKey, Value: []byte(idempotencyKey)},
			{Key: models.HeaderEventType, Value: []byte(models.EventProductCreated)},
			{Key: models.HeaderContentType, Value: []byte(contentTypeJSON)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.writer.WriteMessages(writeCtx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return failed(0, fmt.Sprintf("publish timed out after %s", c.timeout))
		}
		return failed(0, fmt.Sprintf("failed to publish to %s: %v", c.topic, err))
	}

	c.logger.WithFields(logrus.Fields{
		"topic":           c.topic,
		"product_id":      p.ID,
		"idempotency_key": idempotencyKey,
	}).Debug("Payload published")

	return Outcome{Kind: Delivered}
}

// HealthCheck verifies connectivity to the first broker
func (c *KafkaClient) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	// Fetch metadata to verify broker health
	if _, err := conn.ReadPartitions(c.topic); err != nil {
		return fmt.Errorf("failed to read partitions for %s: %w", c.topic, err)
	}
	return nil
}

func (c *KafkaClient) Close() error {
	if err := c.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
