package observability

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// MetricsCollector provides hooks for queue metrics collection
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	IncEnqueued()
	IncClaimed()
	IncDelivered()
	IncDeliveryFailed()
	IncRetried()
	IncSentToDLQ()
	IncCorrupt()
	IncRecovered()
	IncIngested()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Enqueued       atomic.Int64
	Claimed        atomic.Int64
	Delivered      atomic.Int64
	DeliveryFailed atomic.Int64
	Retried        atomic.Int64
	SentToDLQ      atomic.Int64
	Corrupt        atomic.Int64
	Recovered      atomic.Int64
	Ingested       atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncEnqueued() {
	m.Enqueued.Add(1)
}

func (m *InMemoryMetrics) IncClaimed() {
	m.Claimed.Add(1)
}

func (m *InMemoryMetrics) IncDelivered() {
	m.Delivered.Add(1)
}

func (m *InMemoryMetrics) IncDeliveryFailed() {
	m.DeliveryFailed.Add(1)
}

func (m *InMemoryMetrics) IncRetried() {
	m.Retried.Add(1)
}

func (m *InMemoryMetrics) IncSentToDLQ() {
	m.SentToDLQ.Add(1)
}

func (m *InMemoryMetrics) IncCorrupt() {
	m.Corrupt.Add(1)
}

func (m *InMemoryMetrics) IncRecovered() {
	m.Recovered.Add(1)
}

func (m *InMemoryMetrics) IncIngested() {
	m.Ingested.Add(1)
}

func (m *InMemoryMetrics) GetEnqueued() int64 {
	return m.Enqueued.Load()
}

func (m *InMemoryMetrics) GetClaimed() int64 {
	return m.Claimed.Load()
}

func (m *InMemoryMetrics) GetDelivered() int64 {
	return m.Delivered.Load()
}

func (m *InMemoryMetrics) GetDeliveryFailed() int64 {
	return m.DeliveryFailed.Load()
}

func (m *InMemoryMetrics) GetRetried() int64 {
	return m.Retried.Load()
}

func (m *InMemoryMetrics) GetSentToDLQ() int64 {
	return m.SentToDLQ.Load()
}

func (m *InMemoryMetrics) GetCorrupt() int64 {
	return m.Corrupt.Load()
}

func (m *InMemoryMetrics) GetRecovered() int64 {
	return m.Recovered.Load()
}

func (m *InMemoryMetrics) GetIngested() int64 {
	return m.Ingested.Load()
}

// Fields renders the counters for a summary log line.
func (m *InMemoryMetrics) Fields() logrus.Fields {
	return logrus.Fields{
		"enqueued":        m.GetEnqueued(),
		"claimed":         m.GetClaimed(),
		"delivered":       m.GetDelivered(),
		"delivery_failed": m.GetDeliveryFailed(),
		"retried":         m.GetRetried(),
		"dead_lettered":   m.GetSentToDLQ(),
		"corrupt":         m.GetCorrupt(),
		"recovered":       m.GetRecovered(),
		"ingested":        m.GetIngested(),
	}
}
