package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type storeHarness struct {
	store   Store
	metrics *observability.InMemoryMetrics
	// putCorrupt plants an unparseable pending record and returns its key
	putCorrupt func(t *testing.T, id string, raw []byte) string
	// readDeadLetter loads the persisted dead-letter record for key
	readDeadLetter func(t *testing.T, key string) models.Message
}

func decodeTestRecord(t *testing.T, raw []byte) models.Message {
	t.Helper()
	var msg models.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func newFileHarness(t *testing.T) *storeHarness {
	t.Helper()
	dir := t.TempDir()
	metrics := observability.NewInMemoryMetrics()
	store, err := OpenFileStore(FileStoreConfig{
		Dir:     dir,
		Logger:  observability.NewNopLogger(),
		Metrics: metrics,
	})
	require.NoError(t, err)

	return &storeHarness{
		store:   store,
		metrics: metrics,
		putCorrupt: func(t *testing.T, id string, raw []byte) string {
			key := id + recordExt
			require.NoError(t, os.WriteFile(filepath.Join(dir, pendingDirName, key), raw, 0o644))
			return key
		},
		readDeadLetter: func(t *testing.T, key string) models.Message {
			raw, err := os.ReadFile(filepath.Join(dir, dlqDirName, key))
			require.NoError(t, err)
			return decodeTestRecord(t, raw)
		},
	}
}

func newRedisHarness(t *testing.T) *storeHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	metrics := observability.NewInMemoryMetrics()
	store, err := NewRedisStore(RedisStoreConfig{
		Client:  client,
		Prefix:  "test",
		Logger:  observability.NewNopLogger(),
		Metrics: metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &storeHarness{
		store:   store,
		metrics: metrics,
		putCorrupt: func(t *testing.T, id string, raw []byte) string {
			require.NoError(t, mr.Set("test:msg:"+id, string(raw)))
			_, err := mr.ZAdd("test:pending", 0, id)
			require.NoError(t, err)
			return id
		},
		readDeadLetter: func(t *testing.T, key string) models.Message {
			members, err := mr.ZMembers("test:dlq")
			require.NoError(t, err)
			require.Contains(t, members, key)
			raw, err := mr.Get("test:msg:" + key)
			require.NoError(t, err)
			return decodeTestRecord(t, []byte(raw))
		},
	}
}

var harnesses = map[string]func(t *testing.T) *storeHarness{
	"File":  newFileHarness,
	"Redis": newRedisHarness,
}

func forEachStore(t *testing.T, fn func(t *testing.T, h *storeHarness)) {
	for name, newHarness := range harnesses {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

func newTestEnqueuer(h *storeHarness, now time.Time) *Enqueuer {
	return NewEnqueuer(h.store, EnqueuerConfig{
		Logger:  observability.NewNopLogger(),
		Metrics: h.metrics,
		Now:     func() time.Time { return now },
	})
}

func assertStats(t *testing.T, s Store, pending, inFlight, dlq int) {
	t.Helper()
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: pending, InFlight: inFlight, DeadLetter: dlq}, st)
}

func TestStore_ClaimAfterEnqueue(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		p := models.Payload{ID: 789, Name: "Advanced Demo Product", Price: 99.99, Stock: 3}

		key, err := newTestEnqueuer(h, t0).Enqueue(ctx, p)
		require.NoError(t, err)
		assertStats(t, h.store, 1, 0, 0)

		claim, err := h.store.ClaimNext(ctx, t0)
		require.NoError(t, err)
		require.NotNil(t, claim)

		assert.Equal(t, key, claim.Key)
		assert.Equal(t, p, claim.Message.Payload)
		assert.Equal(t, 0, claim.Message.Attempts)
		assert.Equal(t, fmt.Sprintf("product:789:%d", t0.Unix()), claim.Message.IdempotencyKey)
		assertStats(t, h.store, 0, 1, 0)

		require.NoError(t, h.store.Ack(ctx, claim))
		assertStats(t, h.store, 0, 0, 0)
		assert.Equal(t, int64(1), h.metrics.GetEnqueued())
	})
}

func TestStore_RetriesThenDeadLetter(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		policy := DefaultRetryPolicy()

		key, err := newTestEnqueuer(h, t0).Enqueue(ctx, models.Payload{ID: 1, Name: "x"})
		require.NoError(t, err)

		now := t0
		for attempt := 1; attempt <= 3; attempt++ {
			claim, err := h.store.ClaimNext(ctx, now)
			require.NoError(t, err)
			require.NotNil(t, claim, "attempt %d", attempt)

			d := policy.Apply(&claim.Message, "HTTP 500 body=boom", now)
			if d.DeadLetter {
				require.NoError(t, h.store.DeadLetter(ctx, claim))
				break
			}
			require.NoError(t, h.store.Reschedule(ctx, claim))
			assert.Equal(t, now.Add(d.Delay), claim.Message.NextAttemptAt)

			// Not yet due
			early, err := h.store.ClaimNext(ctx, now.Add(d.Delay-time.Millisecond))
			require.NoError(t, err)
			assert.Nil(t, early)

			now = now.Add(d.Delay)
		}

		// 1s then 2s
		assert.Equal(t, t0.Add(3*time.Second), now)
		assertStats(t, h.store, 0, 0, 1)

		dead := h.readDeadLetter(t, key)
		assert.Equal(t, policy.MaxRetries, dead.Attempts)
		assert.Equal(t, "HTTP 500 body=boom", dead.LastError)

		// Never claimed again
		later, err := h.store.ClaimNext(ctx, t0.Add(365*24*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, later)
		assertStats(t, h.store, 0, 0, 1)
	})
}

func TestStore_CorruptRecordGoesToDeadLetter(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		h.putCorrupt(t, "00-broken", []byte("{not json"))

		_, err := newTestEnqueuer(h, t0).Enqueue(ctx, models.Payload{ID: 2, Name: "ok"})
		require.NoError(t, err)

		claim, err := h.store.ClaimNext(ctx, t0)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, int64(2), claim.Message.Payload.ID)

		assertStats(t, h.store, 0, 1, 1)
		assert.Equal(t, int64(1), h.metrics.GetCorrupt())
	})
}

func TestStore_SkipsFutureMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		_, err := newTestEnqueuer(h, t0.Add(time.Minute)).Enqueue(ctx, models.Payload{ID: 3})
		require.NoError(t, err)

		claim, err := h.store.ClaimNext(ctx, t0)
		require.NoError(t, err)
		assert.Nil(t, claim)
		assertStats(t, h.store, 1, 0, 0)
	})
}

func TestStore_EmptyQueue(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		claim, err := h.store.ClaimNext(context.Background(), t0)
		require.NoError(t, err)
		assert.Nil(t, claim)
	})
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		const total = 40
		const claimers = 8

		enq := newTestEnqueuer(h, t0)
		for i := 0; i < total; i++ {
			_, err := enq.Enqueue(ctx, models.Payload{ID: int64(i)})
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < claimers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claim, err := h.store.ClaimNext(ctx, t0)
					if err != nil {
						t.Errorf("claim failed: %v", err)
						return
					}
					if claim == nil {
						return
					}
					mu.Lock()
					seen[claim.Message.ID]++
					mu.Unlock()
					if err := h.store.Ack(ctx, claim); err != nil {
						t.Errorf("ack failed: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "message %s claimed more than once", id)
		}
		assertStats(t, h.store, 0, 0, 0)
	})
}

func TestStore_DeadLetterIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		_, err := newTestEnqueuer(h, t0).Enqueue(ctx, models.Payload{ID: 4})
		require.NoError(t, err)

		claim, err := h.store.ClaimNext(ctx, t0)
		require.NoError(t, err)
		require.NotNil(t, claim)

		require.NoError(t, h.store.DeadLetter(ctx, claim))
		require.NoError(t, h.store.DeadLetter(ctx, claim))
		assertStats(t, h.store, 0, 0, 1)
	})
}

func TestStore_FinalizeUnclaimed(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		ghost := &Claim{Key: "missing", Message: models.Message{ID: "missing"}}

		assert.ErrorIs(t, h.store.Ack(ctx, ghost), ErrNotClaimed)
		assert.ErrorIs(t, h.store.Reschedule(ctx, ghost), ErrNotClaimed)
		assert.ErrorIs(t, h.store.DeadLetter(ctx, ghost), ErrNotClaimed)
	})
}

func TestStore_Stale(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		ctx := context.Background()
		_, err := newTestEnqueuer(h, t0).Enqueue(ctx, models.Payload{ID: 5})
		require.NoError(t, err)

		claim, err := h.store.ClaimNext(ctx, t0)
		require.NoError(t, err)
		require.NotNil(t, claim)

		stale, err := h.store.Stale(ctx, 5*time.Minute, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, stale)

		stale, err = h.store.Stale(ctx, 5*time.Minute, t0.Add(6*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, claim.Key, stale[0].Key)
		assert.Equal(t, claim.Message.ID, stale[0].Message.ID)
	})
}

func TestStore_CancelledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *storeHarness) {
		_, err := newTestEnqueuer(h, t0).Enqueue(context.Background(), models.Payload{ID: 6})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = h.store.ClaimNext(ctx, t0)
		assert.ErrorIs(t, err, context.Canceled)
		assertStats(t, h.store, 1, 0, 0)
	})
}

func TestRedisStore_DropsDanglingID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStore(RedisStoreConfig{Client: client, Prefix: "test", Logger: observability.NewNopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// An id in the pending set whose record is gone
	_, err = mr.ZAdd("test:pending", 0, "ghost")
	require.NoError(t, err)

	claim, err := store.ClaimNext(context.Background(), t0)
	require.NoError(t, err)
	assert.Nil(t, claim)
	assertStats(t, store, 0, 0, 0)
}
