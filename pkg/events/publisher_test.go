package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"product-sync/pkg/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mu        sync.Mutex
	written   []kafka.Message
	attempted []kafka.Message
	failCount int
	calls     int
	closeFunc func() error
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.attempted = append(m.attempted, msgs...)
	if m.calls <= m.failCount {
		return errors.New("broker unavailable")
	}
	m.written = append(m.written, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "Valid", cfg: Config{Brokers: []string{"k:9092"}, Topic: "t"}},
		{name: "Custom writer without brokers", cfg: Config{Topic: "t", Writer: &mockWriter{}}},
		{name: "No brokers", cfg: Config{Topic: "t"}, wantErr: true},
		{name: "No topic", cfg: Config{Brokers: []string{"k:9092"}}, wantErr: true},
		{name: "Negative timeout", cfg: Config{Brokers: []string{"k:9092"}, Topic: "t", WriteTimeout: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPublisher_Publish(t *testing.T) {
	w := &mockWriter{}
	p, err := Open(Config{Topic: "product-events", Writer: w})
	require.NoError(t, err)

	id, err := p.Publish(context.Background(), map[string]any{"id": 789, "name": "Advanced Demo Product"})
	require.NoError(t, err)
	require.Len(t, w.written, 1)

	msg := w.written[0]
	assert.Equal(t, "789", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, id, headers[models.HeaderMessageID])
	assert.Equal(t, models.EventProductCreated, headers[models.HeaderEventType])

	var evt ProductEvent
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	assert.Equal(t, models.EventProductCreated, evt.Event)
	assert.Equal(t, "Advanced Demo Product", evt.Product["name"])
}

func TestPublisher_Publish_EmptyRecordIsPermanent(t *testing.T) {
	p, err := Open(Config{Topic: "t", Writer: &mockWriter{}})
	require.NoError(t, err)

	_, err = p.PublishWithRetry(context.Background(), nil, DefaultRetryPolicy())
	assert.True(t, IsPermanent(err))
}

func TestPublisher_PublishWithRetry(t *testing.T) {
	w := &mockWriter{failCount: 2}
	p, err := Open(Config{Topic: "t", Writer: w})
	require.NoError(t, err)

	policy := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}
	_, err = p.PublishWithRetry(context.Background(), map[string]any{"id": 1}, policy)
	require.NoError(t, err)
	assert.Equal(t, 3, w.calls)
	assert.Len(t, w.written, 1)
}

func TestPublisher_PublishWithRetry_KeepsEventID(t *testing.T) {
	w := &mockWriter{failCount: 2}
	p, err := Open(Config{Topic: "t", Writer: w})
	require.NoError(t, err)

	policy := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2}
	id, err := p.PublishWithRetry(context.Background(), map[string]any{"id": 123}, policy)
	require.NoError(t, err)

	require.Len(t, w.attempted, 3)
	for _, msg := range w.attempted {
		var got string
		for _, h := range msg.Headers {
			if h.Key == models.HeaderMessageID {
				got = string(h.Value)
			}
		}
		assert.Equal(t, id, got)
	}
}

func TestPublisher_PublishWithRetry_GivesUp(t *testing.T) {
	w := &mockWriter{failCount: 10}
	p, err := Open(Config{Topic: "t", Writer: w})
	require.NoError(t, err)

	policy := RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffFactor: 2}
	_, err = p.PublishWithRetry(context.Background(), map[string]any{"id": 1}, policy)
	assert.ErrorContains(t, err, "broker unavailable")
	assert.Equal(t, 2, w.calls)
}

func TestCalculateBackoff_RespectsMax(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, BackoffFactor: 2, Jitter: true}
	for attempt := 0; attempt < 6; attempt++ {
		assert.LessOrEqual(t, calculateBackoff(policy, attempt), 3*time.Second)
	}
	assert.Equal(t, time.Second, calculateBackoff(RetryPolicy{InitialBackoff: time.Second, BackoffFactor: 2}, 0))
}

func TestPublisher_CloseGracefully(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	w := &mockWriter{closeFunc: func() error {
		<-block
		return nil
	}}
	p, err := Open(Config{Topic: "t", Writer: w})
	require.NoError(t, err)

	err = p.CloseGracefully(10 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
