package saga

import (
	"context"
	"errors"
	"time"

	"fulfillment/internal/fault"
)

var (
	ErrNotFound = errors.New("saga not found")
	// ErrTokenConflict means the token or order id is already bound to a different saga.
	ErrTokenConflict = fault.Validation("idempotency token already used for a different order")
	ErrTerminal      = fault.Conflict("saga already terminal")
	// ErrStaleState means the stored state no longer matches the expected From state.
	ErrStaleState = fault.Conflict("saga state changed concurrently")
)

// Store persists executions.
type Store interface {
	// Create stores exec unless its token is known; the existing execution is returned then.
	Create(ctx context.Context, exec Execution) (stored Execution, created bool, err error)
	Get(ctx context.Context, orderID string) (Execution, error)
	// AppendStep adds a step result. It fails with ErrTerminal once the saga is terminal.
	AppendStep(ctx context.Context, orderID string, result StepResult) error
	// Transition applies change if the stored state equals change.From.
	Transition(ctx context.Context, orderID string, change Change) error
	RecordCompensation(ctx context.Context, orderID string, result CompensationResult) error
	// ListActive returns non-terminal executions whose deadline is at or before the given time.
	ListActive(ctx context.Context, deadlineBefore time.Time, limit int) ([]Execution, error)
}
