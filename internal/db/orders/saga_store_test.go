package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newSagaMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var sagaRowColumns = []string{
	"order_id", "idempotency_token", "state", "terminal", "failed_step", "cause",
	"steps", "compensations", "created_at", "updated_at", "deadline",
}

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS saga_executions_active_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestSagaStore_Create_New(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	exec := saga.Execution{OrderID: "order-1", IdempotencyToken: "tok-1", State: saga.StateCreated,
		CreatedAt: now, UpdatedAt: now, Deadline: now.Add(5 * time.Minute)}

	mock.ExpectExec("INSERT INTO saga_executions").
		WithArgs("order-1", "tok-1", "Created", false, "[]", now, now, now.Add(5*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewSagaStore(db)
	got, created, err := store.Create(context.Background(), exec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created || got.OrderID != "order-1" {
		t.Fatalf("unexpected create result: %+v created=%v", got, created)
	}
}

func TestSagaStore_Create_ReturnsExistingForToken(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("INSERT INTO saga_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, idempotency_token, state").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("order-1", "tok-1", "ProcessingPayment", false, "", nil,
				[]byte(`[{"step":"INVENTORY","outcome":"succeeded"}]`), []byte(`[]`), now, now, now.Add(time.Minute)))
	mock.ExpectClose()

	store := NewSagaStore(db)
	got, created, err := store.Create(context.Background(), saga.Execution{OrderID: "order-1", IdempotencyToken: "tok-1", State: saga.StateCreated})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Fatalf("expected existing saga")
	}
	if got.State != saga.StateProcessingPayment || len(got.Steps) != 1 || got.Steps[0].Step != saga.StepInventory {
		t.Fatalf("unexpected execution: %+v", got)
	}
}

func TestSagaStore_Create_TokenConflict(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO saga_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, idempotency_token, state").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("order-99", "tok-1", "Created", false, "", nil, []byte(`[]`), []byte(`[]`), now, now, now))
	mock.ExpectClose()

	store := NewSagaStore(db)
	_, _, err := store.Create(context.Background(), saga.Execution{OrderID: "order-1", IdempotencyToken: "tok-1", State: saga.StateCreated})
	if !errors.Is(err, saga.ErrTokenConflict) {
		t.Fatalf("expected token conflict, got %v", err)
	}
}

func TestSagaStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, idempotency_token, state").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSagaStore_Get_DecodesCause(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT order_id, idempotency_token, state").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("order-1", "tok-1", "Failed", true, "PAYMENT",
				[]byte(`{"errorType":"BusinessRuleViolation","message":"payment declined"}`),
				[]byte(`[]`), []byte(`[{"resource":{"kind":"inventory_reservation","id":"r1","amount":"0"},"outcome":"succeeded"}]`),
				now, now, now))
	mock.ExpectClose()

	store := NewSagaStore(db)
	exec, err := store.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !exec.Terminal || exec.FailedStep != saga.StepPayment {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	if exec.Cause == nil || exec.Cause.ErrorType != fault.KindBusinessRule {
		t.Fatalf("unexpected cause: %+v", exec.Cause)
	}
	if len(exec.Compensations) != 1 || exec.Compensations[0].Resource.ID != "r1" {
		t.Fatalf("unexpected compensations: %+v", exec.Compensations)
	}
}

func TestSagaStore_AppendStep(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE saga_executions SET steps").
		WithArgs("order-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.AppendStep(context.Background(), "order-1", saga.StepResult{Step: saga.StepInventory, Outcome: saga.OutcomeSucceeded})
	if err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
}

func TestSagaStore_AppendStep_TerminalSaga(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE saga_executions SET steps").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT terminal FROM saga_executions").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"terminal"}).AddRow(true))
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.AppendStep(context.Background(), "order-1", saga.StepResult{Step: saga.StepInventory})
	if !errors.Is(err, saga.ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestSagaStore_Transition_StaleState(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE saga_executions SET state").
		WithArgs("order-1", "Created", "ReservingInventory", false, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT terminal FROM saga_executions").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"terminal"}).AddRow(false))
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.Transition(context.Background(), "order-1", saga.Change{From: saga.StateCreated, To: saga.StateReservingInventory, At: time.Now()})
	if !errors.Is(err, saga.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	if !fault.Retryable(err) {
		t.Fatalf("stale state should be a retryable conflict")
	}
}

func TestSagaStore_Transition_RejectsIllegalEdge(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.Transition(context.Background(), "order-1", saga.Change{From: saga.StateCreated, To: saga.StateCompleted})
	if !errors.Is(err, saga.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestSagaStore_ListActive(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT order_id, idempotency_token, state").
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(sagaRowColumns).
			AddRow("order-1", "tok-1", "ReservingInventory", false, "", nil, []byte(`[]`), []byte(`[]`), now, now, now.Add(-time.Minute)).
			AddRow("order-2", "tok-2", "Compensating", false, "SHIPPING", nil, []byte(`[]`), []byte(`[]`), now, now, now))
	mock.ExpectClose()

	store := NewSagaStore(db)
	active, err := store.ListActive(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[1].State != saga.StateCompensating || active[1].FailedStep != saga.StepShipping {
		t.Fatalf("unexpected active sagas: %+v", active)
	}
}

func TestSagaStore_DriverErrorsAreTransient(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, idempotency_token, state").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectClose()

	store := NewSagaStore(db)
	_, err := store.Get(context.Background(), "order-1")
	if kind := fault.Classify(err); kind != fault.KindTransient || !fault.Retryable(err) {
		t.Fatalf("expected transient error, got %v (%s)", err, kind)
	}
}
