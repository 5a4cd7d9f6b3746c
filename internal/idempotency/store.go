// Package idempotency records in-flight and completed operations by caller token
// so a retried step never repeats its side effect.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment/internal/fault"
)

// Status is the lifecycle of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Outcome is the result of Begin.
type Outcome int

const (
	Started Outcome = iota + 1
	AlreadyInProgress
	AlreadyCompleted
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case AlreadyInProgress:
		return "already_in_progress"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return "unknown"
	}
}

// Record is one stored operation.
type Record struct {
	Key       string          `json:"key"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Cause     *fault.Failure  `json:"cause,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the record is past its retention window at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// BeginResult carries the outcome and, unless Started, the existing record.
type BeginResult struct {
	Outcome Outcome
	Record  Record
}

// Store is the idempotency contract. Begin must be linearizable per key:
// exactly one concurrent caller observes Started.
// Expired and failed records may be begun again.
type Store interface {
	Begin(ctx context.Context, key string) (BeginResult, error)
	Complete(ctx context.Context, key string, result json.RawMessage) error
	Fail(ctx context.Context, key string, cause *fault.Failure) error
	Get(ctx context.Context, key string) (Record, bool, error)
}

var (
	// ErrKeyRequired rejects empty tokens.
	ErrKeyRequired = fault.Validation("idempotency key required")
	// ErrUnavailable means the store could not answer; callers must fail closed.
	ErrUnavailable = fault.Transient("idempotency store unavailable")
	// ErrNotInProgress is returned when completing a key that was never begun or already settled.
	ErrNotInProgress = fault.Conflict("idempotency key not in progress")
	// ErrInProgress is returned by Guard when another caller still owns the key.
	ErrInProgress = fault.Transient("operation already in progress")
)

// Unavailable wraps a backend error so it matches ErrUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
