// Package app builds the long-lived components from config. Every command
// goes through it so the backends are selected in one place.
package app

import (
	"context"
	"fmt"
	"time"

	"product-sync/internal/config"
	"product-sync/internal/delivery"
	"product-sync/internal/ingest"
	"product-sync/internal/observability"
	"product-sync/internal/queue"
	"product-sync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const pingTimeout = 5 * time.Second

// App holds the shared pieces of one process.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics *observability.InMemoryMetrics
	Store   queue.Store

	closers []func() error
}

// New loads config, initializes logging and opens the configured store.
func New(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, cfg)
}

func NewFromConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Logging)
	metrics := observability.NewInMemoryMetrics()

	if dump, err := config.PrintConfig(cfg); err == nil {
		logger.Debugf("Effective config:\n%s", dump)
	}

	store, err := OpenStore(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Store:   store,
	}
	a.closers = append(a.closers, store.Close)
	return a, nil
}

func initLogger(cfg config.LoggingConfig) *logrus.Logger {
	return observability.InitLogger(observability.LoggerConfig{
		Level:      cfg.Level,
		FormatJSON: cfg.FormatJSON,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

// OpenStore opens the queue backend named by cfg.Queue.Backend.
func OpenStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger, metrics observability.MetricsCollector) (queue.Store, error) {
	switch cfg.Queue.Backend {
	case config.BackendFile:
		store, err := queue.OpenFileStore(queue.FileStoreConfig{
			Dir:     cfg.Queue.Dir,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open file queue: %w", err)
		}
		logger.WithField("dir", cfg.Queue.Dir).Debug("File queue opened")
		return store, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		store, err := queue.NewRedisStore(queue.RedisStoreConfig{
			Client:  client,
			Prefix:  cfg.Redis.Prefix,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		logger.WithField("addr", cfg.Redis.Addr).Debug("Redis queue opened")
		return store, nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Queue.Backend)
	}
}

// RetryPolicy converts the queue section into a validated policy.
func RetryPolicy(cfg config.QueueConfig) (queue.RetryPolicy, error) {
	p := queue.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Backoff:    append([]time.Duration(nil), cfg.Backoff...),
	}
	if err := p.Validate(); err != nil {
		return queue.RetryPolicy{}, err
	}
	return p, nil
}

// Deliverer builds the configured transport. Closable transports are closed
// with the App.
func (a *App) Deliverer(ctx context.Context) (delivery.Deliverer, error) {
	switch a.Config.Endpoint.Transport {
	case config.TransportHTTP:
		return delivery.NewHTTPClient(delivery.HTTPConfig{
			URL:     a.Config.Endpoint.URL,
			Token:   a.Config.Endpoint.Token,
			Timeout: a.Config.Endpoint.Timeout,
			Logger:  a.Logger,
		}), nil

	case config.TransportKafka:
		client := delivery.NewKafkaClient(delivery.KafkaConfig{
			Brokers: a.Config.Kafka.Brokers,
			Topic:   a.Config.Kafka.DeliveryTopic,
			Timeout: a.Config.Endpoint.Timeout,
			Logger:  a.Logger,
		})
		if err := client.HealthCheck(ctx); err != nil {
			// Not fatal: failed publishes are retried by the queue
			a.Logger.WithError(err).Warn("Kafka health check failed")
		}
		a.closers = append(a.closers, client.Close)
		return client, nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, a.Config.Endpoint.Transport)
	}
}

func (a *App) Enqueuer() *queue.Enqueuer {
	return queue.NewEnqueuer(a.Store, queue.EnqueuerConfig{
		Logger:  a.Logger,
		Metrics: a.Metrics,
	})
}

// Worker wires the store, transport and retry policy. stopAfterIdle overrides
// the configured idle cut-off when non-negative.
func (a *App) Worker(ctx context.Context, stopAfterIdle int) (*worker.Worker, error) {
	policy, err := RetryPolicy(a.Config.Queue)
	if err != nil {
		return nil, err
	}
	d, err := a.Deliverer(ctx)
	if err != nil {
		return nil, err
	}
	if stopAfterIdle < 0 {
		stopAfterIdle = a.Config.Worker.StopAfterIdle
	}

	return worker.New(a.Store, d, policy, worker.Config{
		Workers:          a.Config.Worker.Workers,
		IdleInterval:     a.Config.Worker.IdleInterval,
		StopAfterIdle:    stopAfterIdle,
		RecoveryAfter:    a.Config.Worker.RecoveryAfter,
		RecoveryInterval: a.Config.Worker.RecoveryInterval,
		Logger:           a.Logger,
		Metrics:          a.Metrics,
	})
}

func (a *App) IngestConsumer() *ingest.Consumer {
	c := ingest.NewConsumer(ingest.ConsumerConfig{
		Brokers:       a.Config.Kafka.Brokers,
		Topic:         a.Config.Kafka.IngestTopic,
		GroupID:       a.Config.Kafka.GroupID,
		Workers:       a.Config.Kafka.Workers,
		FetchMinBytes: a.Config.Kafka.FetchMinBytes,
		FetchMaxBytes: a.Config.Kafka.FetchMaxBytes,
		DedupeTTL:     a.Config.Kafka.DedupeTTL,
		Logger:        a.Logger,
		Metrics:       a.Metrics,
	}, a.Enqueuer())
	a.closers = append(a.closers, c.Close)
	return c
}

// Close releases everything in reverse order of creation.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

// LogStats writes queue depth and process counters at the end of a run.
func (a *App) LogStats(ctx context.Context) {
	fields := a.Metrics.Fields()
	if st, err := a.Store.Stats(ctx); err == nil {
		fields["pending"] = st.Pending
		fields["in_flight"] = st.InFlight
		fields["dead_letter"] = st.DeadLetter
	} else {
		a.Logger.WithError(err).Warn("Failed to read queue stats")
	}
	a.Logger.WithFields(fields).Info("Queue summary")
}
