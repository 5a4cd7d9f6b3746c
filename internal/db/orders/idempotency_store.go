package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/idempotency"
)

// IdempotencyStore implements idempotency.Store on Postgres. The primary key
// on the token makes Begin linearizable per key.
type IdempotencyStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// NewIdempotencyStore constructs an IdempotencyStore. retention 0 keeps records forever.
func NewIdempotencyStore(db *sql.DB, retention time.Duration) *IdempotencyStore {
	return &IdempotencyStore{db: db, retention: retention, now: time.Now}
}

// NewIdempotencyStoreWithSchema initializes the schema then returns the store.
func NewIdempotencyStoreWithSchema(ctx context.Context, db *sql.DB, retention time.Duration) (*IdempotencyStore, error) {
	store := NewIdempotencyStore(db, retention)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the idempotency_keys table if it does not exist.
func (s *IdempotencyStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			result JSONB,
			cause JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)
	`)
	return err
}

// Begin claims key. An existing failed or expired record is reclaimed in the
// same statement; a live in-progress or completed record is returned as is.
func (s *IdempotencyStore) Begin(ctx context.Context, key string) (idempotency.BeginResult, error) {
	if key == "" {
		return idempotency.BeginResult{}, idempotency.ErrKeyRequired
	}

	now := s.now().UTC()
	var expires sql.NullTime
	if s.retention > 0 {
		expires = sql.NullTime{Time: now.Add(s.retention), Valid: true}
	}

	var claimed string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, status, created_at, expires_at)
		VALUES ($1, 'in_progress', $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET status = 'in_progress', result = NULL, cause = NULL,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.status = 'failed'
			OR (idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= $2)
		RETURNING key`,
		key, now, expires,
	).Scan(&claimed)
	if err == nil {
		rec := idempotency.Record{Key: key, Status: idempotency.StatusInProgress, CreatedAt: now}
		if expires.Valid {
			rec.ExpiresAt = expires.Time
		}
		return idempotency.BeginResult{Outcome: idempotency.Started, Record: rec}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return idempotency.BeginResult{}, idempotency.Unavailable(err)
	}

	rec, ok, err := s.get(ctx, key, now)
	if err != nil {
		return idempotency.BeginResult{}, err
	}
	if !ok {
		// Settled and expired between the two statements.
		return idempotency.BeginResult{}, idempotency.Unavailable(errors.New("record changed during begin"))
	}
	switch rec.Status {
	case idempotency.StatusCompleted:
		return idempotency.BeginResult{Outcome: idempotency.AlreadyCompleted, Record: rec}, nil
	default:
		return idempotency.BeginResult{Outcome: idempotency.AlreadyInProgress, Record: rec}, nil
	}
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.settle(ctx, key, idempotency.StatusCompleted, "result", string(result))
}

func (s *IdempotencyStore) Fail(ctx context.Context, key string, cause *fault.Failure) error {
	raw, err := json.Marshal(cause)
	if err != nil {
		return err
	}
	return s.settle(ctx, key, idempotency.StatusFailed, "cause", string(raw))
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (idempotency.Record, bool, error) {
	return s.get(ctx, key, s.now().UTC())
}

// Purge deletes expired records.
func (s *IdempotencyStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, transient(err)
	}
	return res.RowsAffected()
}

func (s *IdempotencyStore) settle(ctx context.Context, key string, status idempotency.Status, column, value string) error {
	if key == "" {
		return idempotency.ErrKeyRequired
	}
	query := `
		UPDATE idempotency_keys
		SET status = $2, ` + column + ` = $3::jsonb
		WHERE key = $1 AND status = 'in_progress' AND (expires_at IS NULL OR expires_at > $4)`
	res, err := s.db.ExecContext(ctx, query, key, string(status), value, s.now().UTC())
	if err != nil {
		return idempotency.Unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return idempotency.Unavailable(err)
	}
	if n == 0 {
		return idempotency.ErrNotInProgress
	}
	return nil
}

func (s *IdempotencyStore) get(ctx context.Context, key string, now time.Time) (idempotency.Record, bool, error) {
	var (
		rec           idempotency.Record
		status        string
		result, cause []byte
		expires       sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, result, cause, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, now,
	).Scan(&rec.Key, &status, &result, &cause, &rec.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, idempotency.Unavailable(err)
	}
	rec.Status = idempotency.Status(status)
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if len(cause) > 0 {
		rec.Cause = &fault.Failure{}
		if err := json.Unmarshal(cause, rec.Cause); err != nil {
			return idempotency.Record{}, false, err
		}
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	return rec, true, nil
}
