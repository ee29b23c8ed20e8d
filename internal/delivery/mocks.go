package delivery

import (
	"context"
	"fmt"
	"sync"

	"product-sync/pkg/models"

	kafka "github.com/segmentio/kafka-go"
)

// MockDeliverer is a mock implementation of Deliverer for testing
type MockDeliverer struct {
	mu             sync.RWMutex
	Calls          []DeliveryCall
	DeliverFunc    func(ctx context.Context, p models.Payload, idempotencyKey string) Outcome
	FailCount      int
	failureCounter int
}

type DeliveryCall struct {
	Payload        models.Payload
	IdempotencyKey string
}

func NewMockDeliverer() *MockDeliverer {
	return &MockDeliverer{
		Calls: make([]DeliveryCall, 0),
	}
}

func (m *MockDeliverer) Deliver(ctx context.Context, p models.Payload, idempotencyKey string) Outcome {
	m.mu.Lock()
	m.Calls = append(m.Calls, DeliveryCall{Payload: p, IdempotencyKey: idempotencyKey})
	fn := m.DeliverFunc
	fail := false
	if m.FailCount > 0 {
		m.failureCounter++
		fail = m.failureCounter <= m.FailCount
	}
	counter := m.failureCounter
	m.mu.Unlock()

	// Run custom function outside the lock so it may block
	if fn != nil {
		return fn(ctx, p, idempotencyKey)
	}

	// Simulate failures for testing retry logic
	if fail {
		return failed(500, fmt.Sprintf("HTTP 500 body=simulated failure %d", counter))
	}
	return Outcome{Kind: Delivered, StatusCode: 200}
}

func (m *MockDeliverer) GetCalls() []DeliveryCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := make([]DeliveryCall, len(m.Calls))
	copy(calls, m.Calls)
	return calls
}

func (m *MockDeliverer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = make([]DeliveryCall, 0)
	m.failureCounter = 0
}

// MockWriter is a mock implementation of MessageWriter for testing
type MockWriter struct {
	mu                sync.RWMutex
	Written           []kafka.Message
	WriteMessagesFunc func(ctx context.Context, msgs ...kafka.Message) error
	CloseFunc         func() error
}

func NewMockWriter() *MockWriter {
	return &MockWriter{
		Written: make([]kafka.Message, 0),
	}
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.WriteMessagesFunc != nil {
		return m.WriteMessagesFunc(ctx, msgs...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Written = append(m.Written, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockWriter) GetWritten() []kafka.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	written := make([]kafka.Message, len(m.Written))
	copy(written, m.Written)
	return written
}
