package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/saga"
)

// SagaStore persists saga executions in Postgres. Step and compensation
// results are appended to JSONB arrays so a row always holds the full history.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_executions (
			order_id TEXT PRIMARY KEY,
			idempotency_token TEXT UNIQUE NOT NULL,
			state TEXT NOT NULL,
			terminal BOOLEAN NOT NULL DEFAULT FALSE,
			failed_step TEXT NOT NULL DEFAULT '',
			cause JSONB,
			steps JSONB NOT NULL DEFAULT '[]'::jsonb,
			compensations JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deadline TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS saga_executions_active_idx
			ON saga_executions (deadline) WHERE NOT terminal`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const sagaColumns = `order_id, idempotency_token, state, terminal, failed_step, cause, steps, compensations, created_at, updated_at, deadline`

// Create inserts exec or returns the execution already bound to its token.
func (s *SagaStore) Create(ctx context.Context, exec saga.Execution) (saga.Execution, bool, error) {
	steps, err := json.Marshal(nonNil(exec.Steps))
	if err != nil {
		return saga.Execution{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_executions (order_id, idempotency_token, state, terminal, steps, created_at, updated_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		exec.OrderID, exec.IdempotencyToken, string(exec.State), exec.Terminal, string(steps),
		exec.CreatedAt, exec.UpdatedAt, exec.Deadline,
	)
	if err != nil {
		return saga.Execution{}, false, transient(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Execution{}, false, transient(err)
	}
	if affected == 1 {
		return exec, true, nil
	}

	existing, err := s.scanOne(ctx, `SELECT `+sagaColumns+` FROM saga_executions WHERE idempotency_token = $1`, exec.IdempotencyToken)
	if errors.Is(err, saga.ErrNotFound) {
		// The order id is taken under another token.
		return saga.Execution{}, false, saga.ErrTokenConflict
	}
	if err != nil {
		return saga.Execution{}, false, err
	}
	if existing.OrderID != exec.OrderID {
		return saga.Execution{}, false, saga.ErrTokenConflict
	}
	return existing, false, nil
}

func (s *SagaStore) Get(ctx context.Context, orderID string) (saga.Execution, error) {
	return s.scanOne(ctx, `SELECT `+sagaColumns+` FROM saga_executions WHERE order_id = $1`, orderID)
}

// AppendStep adds result to the step history of a non-terminal saga.
func (s *SagaStore) AppendStep(ctx context.Context, orderID string, result saga.StepResult) error {
	raw, err := json.Marshal([]saga.StepResult{result})
	if err != nil {
		return err
	}
	return s.exec(ctx, orderID, `
		UPDATE saga_executions
		SET steps = steps || $2::jsonb, updated_at = $3
		WHERE order_id = $1 AND NOT terminal`,
		orderID, string(raw), result.EndedAt,
	)
}

// Transition moves the saga from change.From to change.To.
func (s *SagaStore) Transition(ctx context.Context, orderID string, change saga.Change) error {
	if err := saga.CheckTransition(change.From, change.To); err != nil {
		return err
	}
	var cause sql.NullString
	if change.Cause != nil {
		raw, err := json.Marshal(change.Cause)
		if err != nil {
			return err
		}
		cause = sql.NullString{String: string(raw), Valid: true}
	}
	err := s.exec(ctx, orderID, `
		UPDATE saga_executions
		SET state = $3,
			terminal = $4,
			failed_step = COALESCE(NULLIF($5, ''), failed_step),
			cause = COALESCE($6::jsonb, cause),
			updated_at = $7
		WHERE order_id = $1 AND state = $2 AND NOT terminal`,
		orderID, string(change.From), string(change.To), change.To.Terminal(), string(change.FailedStep), cause, change.At,
	)
	if errors.Is(err, errNoRows) {
		return fmt.Errorf("expected %s: %w", change.From, saga.ErrStaleState)
	}
	return err
}

func (s *SagaStore) RecordCompensation(ctx context.Context, orderID string, result saga.CompensationResult) error {
	raw, err := json.Marshal([]saga.CompensationResult{result})
	if err != nil {
		return err
	}
	return s.exec(ctx, orderID, `
		UPDATE saga_executions
		SET compensations = compensations || $2::jsonb, updated_at = $3
		WHERE order_id = $1 AND NOT terminal`,
		orderID, string(raw), result.At,
	)
}

// ListActive returns non-terminal sagas whose deadline is at or before deadlineBefore, oldest first.
func (s *SagaStore) ListActive(ctx context.Context, deadlineBefore time.Time, limit int) ([]saga.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+`
		FROM saga_executions
		WHERE NOT terminal AND deadline <= $1
		ORDER BY deadline
		LIMIT $2`,
		deadlineBefore, limit,
	)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []saga.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// errNoRows marks an update that matched a live saga in some other state.
var errNoRows = errors.New("no rows updated")

// exec runs a guarded update and explains a miss: unknown order, terminal saga, or errNoRows.
func (s *SagaStore) exec(ctx context.Context, orderID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return transient(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return transient(err)
	}
	if affected > 0 {
		return nil
	}

	var terminal bool
	err = s.db.QueryRowContext(ctx, `SELECT terminal FROM saga_executions WHERE order_id = $1`, orderID).Scan(&terminal)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return saga.ErrNotFound
	case err != nil:
		return transient(err)
	case terminal:
		return saga.ErrTerminal
	default:
		return errNoRows
	}
}

func (s *SagaStore) scanOne(ctx context.Context, query string, arg any) (saga.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Execution{}, saga.ErrNotFound
	}
	return exec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (saga.Execution, error) {
	var (
		exec                 saga.Execution
		state, failedStep    string
		cause                []byte
		steps, compensations []byte
	)
	if err := row.Scan(&exec.OrderID, &exec.IdempotencyToken, &state, &exec.Terminal, &failedStep,
		&cause, &steps, &compensations, &exec.CreatedAt, &exec.UpdatedAt, &exec.Deadline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Execution{}, err
		}
		return saga.Execution{}, transient(err)
	}
	exec.State = saga.State(state)
	exec.FailedStep = saga.StepName(failedStep)
	if len(cause) > 0 {
		exec.Cause = &fault.Failure{}
		if err := json.Unmarshal(cause, exec.Cause); err != nil {
			return saga.Execution{}, fmt.Errorf("decode cause of %s: %w", exec.OrderID, err)
		}
	}
	if err := json.Unmarshal(steps, &exec.Steps); err != nil {
		return saga.Execution{}, fmt.Errorf("decode steps of %s: %w", exec.OrderID, err)
	}
	if len(compensations) > 0 {
		if err := json.Unmarshal(compensations, &exec.Compensations); err != nil {
			return saga.Execution{}, fmt.Errorf("decode compensations of %s: %w", exec.OrderID, err)
		}
	}
	return exec, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// transient marks driver errors as retryable infrastructure failures.
func transient(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := fault.KindOf(err); ok {
		return err
	}
	return fault.Mark(err, fault.KindTransient)
}
