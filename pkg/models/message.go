package models

import (
	"fmt"
	"time"
)

// Message is the unit of durable work kept by the queue
type Message struct {
	ID             string    `json:"id"`
	Payload        Payload   `json:"payload"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// Due reports whether the message may be claimed at now.
func (m Message) Due(now time.Time) bool {
	return !m.NextAttemptAt.After(now)
}

// NewIdempotencyKey combines the payload identity with the creation time.
func NewIdempotencyKey(p Payload, now time.Time) string {
	return fmt.Sprintf("product:%d:%d", p.ID, now.Unix())
}

// Outbound request header names
const (
	HeaderContentType    = "Content-Type"
	HeaderAccept         = "Accept"
	HeaderAuthorization  = "Authorization"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderEventType      = "event-type"

	// Carried by inbound events for de-duplication
	HeaderMessageID = "message-id"
)

const EventProductCreated = "product_created"
