package models

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name     string
		record   map[string]any
		expected Payload
	}{
		{
			name: "Typed record",
			record: map[string]any{
				"id":    789,
				"name":  "Advanced Demo Product",
				"price": 99.99,
				"stock": 3,
			},
			expected: Payload{ID: 789, Name: "Advanced Demo Product", Price: 99.99, Stock: 3},
		},
		{
			name:     "Empty record gets defaults",
			record:   map[string]any{},
			expected: Payload{Name: "Unnamed"},
		},
		{
			name: "Numeric strings are coerced",
			record: map[string]any{
				"id":    "42",
				"price": "19.5",
				"stock": "7",
				"name":  nil,
			},
			expected: Payload{ID: 42, Name: "Unnamed", Price: 19.5, Stock: 7},
		},
		{
			name: "Garbage numbers become zero",
			record: map[string]any{
				"id":    "abc",
				"price": []int{1},
				"stock": map[string]any{},
				"name":  "",
			},
			expected: Payload{Name: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildPayload(tt.record))
		})
	}
}

func TestBuildPayload_JSONNumbers(t *testing.T) {
	raw := []byte(`{"id": 12, "name": "Café", "price": 49.90, "stock": 15}`)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	require.NoError(t, dec.Decode(&record))

	p := BuildPayload(record)
	assert.Equal(t, int64(12), p.ID)
	assert.Equal(t, "Café", p.Name)
	assert.InDelta(t, 49.90, p.Price, 1e-9)
	assert.Equal(t, 15, p.Stock)
}

func TestMessage_Due(t *testing.T) {
	now := time.Now()
	msg := Message{NextAttemptAt: now}
	assert.True(t, msg.Due(now))

	msg.NextAttemptAt = now.Add(time.Second)
	assert.False(t, msg.Due(now))
	assert.True(t, msg.Due(now.Add(2*time.Second)))
}

func TestNewIdempotencyKey(t *testing.T) {
	now := time.Unix(1700000000, 0)
	key := NewIdempotencyKey(Payload{ID: 789}, now)
	assert.Equal(t, "product:789:1700000000", key)
}
