// Package delivery pushes product payloads to the downstream system.
//
// A delivery attempt never returns an error. It returns an Outcome that the
// caller feeds into its retry policy.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"product-sync/pkg/models"
)

const contentTypeJSON = "application/json"

type Kind int

const (
	Delivered Kind = iota + 1
	Failed
	// Cancelled means the caller gave up; the attempt does not count.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Detail     string
}

func (o Outcome) OK() bool {
	return o.Kind == Delivered
}

// Deliverer sends one payload under the given idempotency key.
type Deliverer interface {
	Deliver(ctx context.Context, p models.Payload, idempotencyKey string) Outcome
}

func failed(status int, detail string) Outcome {
	return Outcome{Kind: Failed, StatusCode: status, Detail: detail}
}

func cancelled(err error) Outcome {
	return Outcome{Kind: Cancelled, Detail: err.Error()}
}

// encodePayload renders p without HTML or slash escaping.
func encodePayload(p models.Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
