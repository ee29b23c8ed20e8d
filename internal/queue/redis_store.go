package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Pops the earliest due member of the pending set into the in-flight set.
const claimScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
	return false
end
redis.call("ZREM", KEYS[1], ids[1])
redis.call("ZADD", KEYS[2], ARGV[1], ids[1])
return ids[1]
`

const ackScript = `
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("DEL", KEYS[2])
return 1
`

// Rewrites the record and moves its id from the in-flight set into KEYS[3].
const moveScript = `
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return 1
`

// RedisStore keeps message records as JSON strings and tracks state with
// three sorted sets. Pending members are scored by next attempt time, in-flight
// members by claim time.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	logger  *logrus.Logger
	metrics observability.MetricsCollector

	claim *redis.Script
	ack   *redis.Script
	move  *redis.Script
}

type RedisStoreConfig struct {
	Client  redis.UniversalClient
	Prefix  string
	Logger  *logrus.Logger
	Metrics observability.MetricsCollector
}

func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "product-sync"
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}

	return &RedisStore{
		client:  cfg.Client,
		prefix:  cfg.Prefix,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		claim:   redis.NewScript(claimScript),
		ack:     redis.NewScript(ackScript),
		move:    redis.NewScript(moveScript),
	}, nil
}

func (s *RedisStore) pendingKey() string      { return s.prefix + ":pending" }
func (s *RedisStore) inflightKey() string     { return s.prefix + ":inflight" }
func (s *RedisStore) dlqKey() string          { return s.prefix + ":dlq" }
func (s *RedisStore) msgKey(id string) string { return s.prefix + ":msg:" + id }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *RedisStore) PutPending(ctx context.Context, msg models.Message) (string, error) {
	if msg.ID == "" {
		return "", errors.New("message id cannot be empty")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", msg.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.msgKey(msg.ID), data, 0)
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: score(msg.NextAttemptAt), Member: msg.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

func (s *RedisStore) ClaimNext(ctx context.Context, now time.Time) (*Claim, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		nowArg := strconv.FormatInt(now.UnixMilli(), 10)
		id, err := s.claim.Run(ctx, s.client, []string{s.pendingKey(), s.inflightKey()}, nowArg).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim message: %w", err)
		}

		data, err := s.client.Get(ctx, s.msgKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Dangling id without a record
			if err := s.client.ZRem(ctx, s.inflightKey(), id).Err(); err != nil {
				s.logger.WithError(err).WithField("key", id).Error("Failed to drop dangling in-flight id")
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", id, err)
		}

		msg, err := decodeRecord(id, data)
		if err != nil {
			if err := s.quarantine(ctx, id, now, err); err != nil {
				return nil, err
			}
			continue
		}
		return &Claim{Key: id, Message: msg}, nil
	}
}

func (s *RedisStore) Ack(ctx context.Context, c *Claim) error {
	n, err := s.ack.Run(ctx, s.client, []string{s.inflightKey(), s.msgKey(c.Key)}, c.Key).Int()
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", c.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, c.Key)
	}
	return nil
}

func (s *RedisStore) Reschedule(ctx context.Context, c *Claim) error {
	return s.finalize(ctx, c, s.pendingKey(), score(c.Message.NextAttemptAt))
}

func (s *RedisStore) DeadLetter(ctx context.Context, c *Claim) error {
	err := s.finalize(ctx, c, s.dlqKey(), score(time.Now()))
	if errors.Is(err, ErrNotClaimed) {
		if _, scoreErr := s.client.ZScore(ctx, s.dlqKey(), c.Key).Result(); scoreErr == nil {
			return nil
		}
	}
	return err
}

func (s *RedisStore) finalize(ctx context.Context, c *Claim, target string, sc float64) error {
	data, err := json.Marshal(c.Message)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c.Key, err)
	}
	keys := []string{s.inflightKey(), s.msgKey(c.Key), target}
	n, err := s.move.Run(ctx, s.client, keys, c.Key, data, strconv.FormatFloat(sc, 'f', 0, 64)).Int()
	if err != nil {
		return fmt.Errorf("failed to move %s: %w", c.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, c.Key)
	}
	return nil
}

func (s *RedisStore) Stale(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Claim, error) {
	cutoff := now.Add(-olderThan).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, s.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight messages: %w", err)
	}

	var stale []*Claim
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.msgKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", id, err)
		}
		msg, err := decodeRecord(id, data)
		if err != nil {
			if err := s.quarantine(ctx, id, now, err); err != nil {
				return nil, err
			}
			continue
		}
		stale = append(stale, &Claim{Key: id, Message: msg})
	}
	return stale, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	pipe := s.client.Pipeline()
	pending := pipe.ZCard(ctx, s.pendingKey())
	inflight := pipe.ZCard(ctx, s.inflightKey())
	dlq := pipe.ZCard(ctx, s.dlqKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Pending:    int(pending.Val()),
		InFlight:   int(inflight.Val()),
		DeadLetter: int(dlq.Val()),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// quarantine moves a claimed but unparseable record to the dead-letter set
// without touching its body.
func (s *RedisStore) quarantine(ctx context.Context, id string, now time.Time, cause error) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.inflightKey(), id)
		pipe.ZAdd(ctx, s.dlqKey(), redis.Z{Score: score(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", id, err)
	}
	s.metrics.IncCorrupt()
	s.metrics.IncSentToDLQ()
	s.logger.WithFields(logrus.Fields{
		"key":   id,
		"error": cause.Error(),
	}).Warn("Corrupt message moved to dead-letter")
	return nil
}
