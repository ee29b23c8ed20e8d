// Package ingest consumes "product created" events from Kafka and admits them
// to the durable delivery queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Reader is the subset of *kafka.Reader the consumer needs
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fetches events with one goroutine and processes them on a worker pool
type Consumer struct {
	reader      Reader
	processor   *Processor
	logger      *logrus.Logger
	metrics     observability.MetricsCollector
	workers     int
	dedupeStore DedupeStore
	wg          sync.WaitGroup
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	Workers       int
	FetchMinBytes int
	FetchMaxBytes int
	DedupeTTL     time.Duration
	// Reader replaces the default *kafka.Reader, mainly for tests
	Reader      Reader
	DedupeStore DedupeStore
	Logger      *logrus.Logger
	Metrics     observability.MetricsCollector
}

func NewConsumer(cfg ConsumerConfig, enq Enqueuer) *Consumer {
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.DedupeTTL == 0 {
		cfg.DedupeTTL = time.Hour
	}
	if cfg.DedupeStore == nil {
		cfg.DedupeStore = NewInMemoryDedupeStore(cfg.DedupeTTL)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 5
	}
	if cfg.Reader == nil {
		cfg.Reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       cfg.FetchMinBytes,
			MaxBytes:       cfg.FetchMaxBytes,
			CommitInterval: 0, // Manual commits
			StartOffset:    kafka.FirstOffset,
		})
	}

	return &Consumer{
		reader:      cfg.Reader,
		processor:   NewProcessor(enq, cfg.Logger, cfg.Metrics),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		workers:     cfg.Workers,
		dedupeStore: cfg.DedupeStore,
	}
}

// Start consumes until ctx is cancelled or the reader is exhausted. A storage
// failure stops the consumer and is returned; the failed event and everything
// after it on its partition stay uncommitted.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithField("workers", c.workers).Info("Starting ingest consumer")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	commits := newCommitTracker(c.reader)
	msgChan := make(chan kafka.Message, c.workers*2)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(runCtx, i, msgChan, commits, fail)
	}

	c.wg.Add(1)
	go c.fetcher(runCtx, msgChan, commits)

	c.wg.Wait()
	return firstErr
}

// fetcher reads events from Kafka and hands them to the worker pool
func (c *Consumer) fetcher(ctx context.Context, msgChan chan<- kafka.Message, commits *commitTracker) {
	defer c.wg.Done()
	defer close(msgChan)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Fetcher stopping due to context cancellation")
				return
			}
			if errors.Is(err, io.EOF) {
				// Reader closed
				return
			}
			c.logger.WithError(err).Error("Failed to fetch event")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		commits.track(msg)
		select {
		case msgChan <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, id int, msgChan <-chan kafka.Message, commits *commitTracker, fail func(error)) {
	defer c.wg.Done()
	c.logger.WithField("worker_id", id).Debug("Ingest worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			if err := c.processMessage(ctx, msg, id, commits); err != nil {
				fail(err)
				return
			}
		}
	}
}

// processMessage enqueues one event. Undecodable and duplicate events are
// committed and dropped. A storage failure is returned and the offset is
// left uncommitted.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, workerID int, commits *commitTracker) error {
	eventID := eventIDOf(msg)
	logger := c.logger.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"event_id":  eventID,
		"worker_id": workerID,
	})

	// Check for duplicates using event id
	if c.dedupeStore.Exists(eventID) {
		logger.Info("Duplicate event detected, skipping")
		c.commitMessage(logger, commits, msg)
		return nil
	}

	key, err := c.processor.Process(ctx, msg.Value)
	if err != nil {
		if errors.Is(err, ErrUndecodable) {
			logger.WithError(err).Warn("Skipping undecodable event")
			c.commitMessage(logger, commits, msg)
			return nil
		}
		if ctx.Err() != nil {
			logger.Info("Shutdown during enqueue, offset left uncommitted")
			return nil
		}
		logger.WithError(err).Error("Failed to enqueue event, offset left uncommitted")
		return fmt.Errorf("event %s at %s/%d/%d: %w", eventID, msg.Topic, msg.Partition, msg.Offset, err)
	}

	if err := c.dedupeStore.Add(eventID); err != nil {
		logger.WithError(err).Warn("Failed to record event id")
	}
	logger.WithField("key", key).Info("Event enqueued")
	c.commitMessage(logger, commits, msg)
	return nil
}

func (c *Consumer) commitMessage(logger *logrus.Entry, commits *commitTracker, msg kafka.Message) {
	committed, err := commits.done(context.Background(), msg)
	if err != nil {
		logger.WithError(err).Error("Failed to commit event")
		return
	}
	if !committed {
		logger.Debug("Commit held back by an earlier event on the partition")
	}
}

// eventIDOf prefers the producer supplied id and falls back to the log position
func eventIDOf(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == models.HeaderMessageID && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (c *Consumer) Close() error {
	c.logger.Info("Closing ingest consumer")
	if store, ok := c.dedupeStore.(*InMemoryDedupeStore); ok {
		store.Close()
	}
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}
