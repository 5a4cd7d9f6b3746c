package ordersdb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/idempotency"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newIdempotencyStore(t *testing.T) (*IdempotencyStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	store := NewIdempotencyStore(db, 24*time.Hour)
	store.now = func() time.Time { return now }
	return store, mock, now
}

var idemColumns = []string{"key", "status", "result", "cause", "created_at", "expires_at"}

func TestIdempotencyStore_BeginClaims(t *testing.T) {
	store, mock, now := newIdempotencyStore(t)

	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WithArgs("payment:order-1", now, now.Add(24*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("payment:order-1"))
	mock.ExpectClose()

	res, err := store.Begin(context.Background(), "payment:order-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if res.Outcome != idempotency.Started || !res.Record.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected begin result: %+v", res)
	}
}

func TestIdempotencyStore_BeginReturnsCompleted(t *testing.T) {
	store, mock, now := newIdempotencyStore(t)

	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectQuery("SELECT key, status, result, cause").
		WithArgs("payment:order-1", now).
		WillReturnRows(sqlmock.NewRows(idemColumns).
			AddRow("payment:order-1", "completed", []byte(`{"chargeId":"ch-1"}`), nil, now.Add(-time.Minute), now.Add(time.Hour)))
	mock.ExpectClose()

	res, err := store.Begin(context.Background(), "payment:order-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if res.Outcome != idempotency.AlreadyCompleted || string(res.Record.Result) != `{"chargeId":"ch-1"}` {
		t.Fatalf("unexpected begin result: %+v", res)
	}
}

func TestIdempotencyStore_BeginReturnsInProgress(t *testing.T) {
	store, mock, now := newIdempotencyStore(t)

	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectQuery("SELECT key, status, result, cause").
		WillReturnRows(sqlmock.NewRows(idemColumns).
			AddRow("k", "in_progress", nil, nil, now, now.Add(time.Hour)))
	mock.ExpectClose()

	res, err := store.Begin(context.Background(), "k")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if res.Outcome != idempotency.AlreadyInProgress {
		t.Fatalf("outcome = %s", res.Outcome)
	}
}

func TestIdempotencyStore_UnavailableFailsClosed(t *testing.T) {
	store, mock, _ := newIdempotencyStore(t)

	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectClose()

	_, err := store.Begin(context.Background(), "k")
	if !errors.Is(err, idempotency.ErrUnavailable) || !fault.Retryable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestIdempotencyStore_CompleteAndFail(t *testing.T) {
	store, mock, now := newIdempotencyStore(t)

	mock.ExpectExec("UPDATE idempotency_keys SET status = \\$2, result").
		WithArgs("k", "completed", `{"ok":true}`, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_keys SET status = \\$2, cause").
		WithArgs("k2", "failed", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_keys SET status = \\$2, result").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	ctx := context.Background()
	if err := store.Complete(ctx, "k", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := store.Fail(ctx, "k2", &fault.Failure{ErrorType: fault.KindTransient, Message: "gateway down"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := store.Complete(ctx, "k3", json.RawMessage(`{}`)); !errors.Is(err, idempotency.ErrNotInProgress) {
		t.Fatalf("expected not in progress, got %v", err)
	}
}

func TestIdempotencyStore_GuardOverPostgres(t *testing.T) {
	store, mock, now := newIdempotencyStore(t)

	mock.ExpectQuery("INSERT INTO idempotency_keys").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectQuery("SELECT key, status, result, cause").
		WillReturnRows(sqlmock.NewRows(idemColumns).
			AddRow("payment:order-1", "completed", []byte(`"ch-1"`), nil, now, now.Add(time.Hour)))
	mock.ExpectClose()

	calls := 0
	guard := idempotency.Guard{Store: store}
	out, err := guard.Run(context.Background(), "payment:order-1", func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"ch-2"`), nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 0 || string(out) != `"ch-1"` {
		t.Fatalf("expected replayed result, got %s after %d calls", out, calls)
	}
}
