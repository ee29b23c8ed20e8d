package queue

import (
	"fmt"
	"time"

	"product-sync/pkg/models"
)

// RetryPolicy decides between rescheduling and dead-lettering after a failed attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	DeadLetter bool
	Delay      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be at least 1", ErrInvalidPolicy)
	}
	if len(p.Backoff) == 0 {
		return fmt.Errorf("%w: backoff schedule cannot be empty", ErrInvalidPolicy)
	}
	for i, d := range p.Backoff {
		if d < 0 {
			return fmt.Errorf("%w: backoff step %d is negative", ErrInvalidPolicy, i)
		}
		if i > 0 && d < p.Backoff[i-1] {
			return fmt.Errorf("%w: backoff step %d is shorter than step %d", ErrInvalidPolicy, i, i-1)
		}
	}
	return nil
}

// Decide takes the attempt count after increment.
func (p RetryPolicy) Decide(attempts int) Decision {
	if attempts >= p.MaxRetries {
		return Decision{DeadLetter: true}
	}
	if len(p.Backoff) == 0 {
		return Decision{}
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.Backoff)-1 {
		idx = len(p.Backoff) - 1
	}
	return Decision{Delay: p.Backoff[idx]}
}

// Apply records a failed attempt on msg and schedules the next one.
// next_attempt_at is left untouched when the message is bound for dead-letter.
func (p RetryPolicy) Apply(msg *models.Message, cause string, now time.Time) Decision {
	msg.Attempts++
	msg.LastError = cause

	d := p.Decide(msg.Attempts)
	if !d.DeadLetter {
		msg.NextAttemptAt = now.Add(d.Delay).UTC()
	}
	return d
}
