package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"product-sync/pkg/models"

	kafka "github.com/segmentio/kafka-go"
)

// MockReader is a mock implementation of Reader for testing. It serves the
// queued messages in order and then returns io.EOF.
type MockReader struct {
	mu                 sync.RWMutex
	Messages           []kafka.Message
	Committed          []kafka.Message
	FetchMessageFunc   func(ctx context.Context) (kafka.Message, error)
	CommitMessagesFunc func(ctx context.Context, msgs ...kafka.Message) error
	next               int
	closed             bool
}

func NewMockReader(msgs ...kafka.Message) *MockReader {
	return &MockReader{
		Messages:  msgs,
		Committed: make([]kafka.Message, 0),
	}
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if m.FetchMessageFunc != nil {
		return m.FetchMessageFunc(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if m.closed || m.next >= len(m.Messages) {
		return kafka.Message{}, io.EOF
	}
	msg := m.Messages[m.next]
	m.next++
	return msg, nil
}

func (m *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.CommitMessagesFunc != nil {
		return m.CommitMessagesFunc(ctx, msgs...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Committed = append(m.Committed, msgs...)
	return nil
}

func (m *MockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockReader) GetCommitted() []kafka.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	committed := make([]kafka.Message, len(m.Committed))
	copy(committed, m.Committed)
	return committed
}

// MockEnqueuer is a mock implementation of Enqueuer for testing
type MockEnqueuer struct {
	mu          sync.RWMutex
	Enqueued    []models.Payload
	EnqueueFunc func(ctx context.Context, p models.Payload) (string, error)
}

func NewMockEnqueuer() *MockEnqueuer {
	return &MockEnqueuer{
		Enqueued: make([]models.Payload, 0),
	}
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, p models.Payload) (string, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Enqueued = append(m.Enqueued, p)
	return fmt.Sprintf("mock-%d.json", len(m.Enqueued)), nil
}

func (m *MockEnqueuer) GetEnqueued() []models.Payload {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enqueued := make([]models.Payload, len(m.Enqueued))
	copy(enqueued, m.Enqueued)
	return enqueued
}

// MockDedupeStore is a mock implementation of DedupeStore for testing
type MockDedupeStore struct {
	mu          sync.RWMutex
	ExistsFunc  func(eventID string) bool
	AddFunc     func(eventID string) error
	existingIDs map[string]bool
}

func NewMockDedupeStore() *MockDedupeStore {
	return &MockDedupeStore{
		existingIDs: make(map[string]bool),
	}
}

func (m *MockDedupeStore) Exists(eventID string) bool {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(eventID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existingIDs[eventID]
}

func (m *MockDedupeStore) Add(eventID string) error {
	if m.AddFunc != nil {
		return m.AddFunc(eventID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingIDs[eventID] = true
	return nil
}

func (m *MockDedupeStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingIDs = make(map[string]bool)
}
