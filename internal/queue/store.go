// Package queue holds the durable message store, the retry policy and the
// enqueuer that admits new messages.
//
// Every message lives in exactly one of three states: pending, in-flight or
// dead-letter. Moving a message from pending to in-flight is the only claim
// primitive; a claimer that loses the move simply tries the next candidate.
package queue

import (
	"context"
	"errors"
	"time"

	"product-sync/pkg/models"
)

var (
	// ErrNotClaimed is returned when a finalize operation targets a message
	// that is no longer in-flight.
	ErrNotClaimed = errors.New("message is not in-flight")
	// ErrInvalidPolicy is returned by RetryPolicy.Validate.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// Store is the persistence contract shared by every backend.
type Store interface {
	// PutPending durably admits msg to the pending set and returns its storage key.
	PutPending(ctx context.Context, msg models.Message) (string, error)
	// ClaimNext moves the first due pending message to in-flight.
	// It returns nil when nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*Claim, error)
	// Ack deletes an in-flight message after a successful delivery.
	Ack(ctx context.Context, c *Claim) error
	// Reschedule writes c.Message back to pending and drops the in-flight copy.
	Reschedule(ctx context.Context, c *Claim) error
	// DeadLetter quarantines c.Message. Dead-lettering an already
	// dead-lettered message is a no-op.
	DeadLetter(ctx context.Context, c *Claim) error
	// Stale lists in-flight messages claimed before now-olderThan.
	Stale(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Claim, error)
	// Stats counts messages per state.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Claim is exclusive ownership of one in-flight message.
type Claim struct {
	Key     string
	Message models.Message
}

type Stats struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	DeadLetter int `json:"dead_letter"`
}
