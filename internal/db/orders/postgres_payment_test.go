package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"fulfillment/internal/fault"
	"fulfillment/internal/orders"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
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

func TestPostgresPayment_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	if err := client.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestPostgresPayment_WithSchemaHelperError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payments").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	client, err := NewPostgresPaymentClientWithSchema(context.Background(), db)
	if err == nil {
		t.Fatalf("expected error")
	}
	if client != nil {
		t.Fatalf("expected nil client on error")
	}
}

func TestPostgresPayment_Charge_New(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, amount FROM payments").
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount"}))
	mock.ExpectExec("INSERT INTO payments").
		WithArgs("ch-1", "order-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT order_id, amount FROM payments").
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount"}).AddRow("order-1", "9.99"))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	ch, err := client.Charge(context.Background(), "ch-1", "order-1", decimal.RequireFromString("9.99"))
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if ch.OrderID != "order-1" || !ch.Amount.Equal(decimal.RequireFromString("9.99")) {
		t.Fatalf("unexpected charge: %+v", ch)
	}
}

func TestPostgresPayment_Charge_ReplaysExisting(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, amount FROM payments").
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount"}).AddRow("order-1", "9.99"))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	ch, err := client.Charge(context.Background(), "ch-1", "order-1", decimal.RequireFromString("9.99"))
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if ch.ChargeID != "ch-1" {
		t.Fatalf("unexpected charge: %+v", ch)
	}
}

func TestPostgresPayment_Charge_DeclinedOverLimit(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, amount FROM payments").
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount"}))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	client.Limit = decimal.NewFromInt(100)
	_, err := client.Charge(context.Background(), "ch-1", "order-1", decimal.NewFromInt(250))
	if !errors.Is(err, orders.ErrPaymentDeclined) || fault.Retryable(err) {
		t.Fatalf("expected permanent decline, got %v", err)
	}
}

func TestPostgresPayment_Charge_EmptyIDs(t *testing.T) {
	client := NewPostgresPaymentClient(nil)
	_, err := client.Charge(context.Background(), "", "order-1", decimal.NewFromInt(1))
	if fault.Classify(err) != fault.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPostgresPayment_Charge_ExecErrorIsTransient(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, amount FROM payments").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "amount"}))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	_, err := client.Charge(context.Background(), "ch-err", "order-err", decimal.NewFromInt(1))
	if !fault.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestPostgresPayment_Refund_Succeeds(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments SET refund_amount").
		WithArgs("ch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	if err := client.Refund(context.Background(), "ch-1", decimal.RequireFromString("9.99")); err != nil {
		t.Fatalf("refund: %v", err)
	}
}

func TestPostgresPayment_Refund_NotCharged(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments SET refund_amount").
		WithArgs("ch-404", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT refunded_at").
		WithArgs("ch-404").
		WillReturnRows(sqlmock.NewRows([]string{"refunded"}))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	if err := client.Refund(context.Background(), "ch-404", decimal.NewFromInt(5)); !errors.Is(err, orders.ErrNotCharged) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresPayment_Refund_IdempotentSameCharge(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments SET refund_amount").
		WithArgs("ch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments SET refund_amount").
		WithArgs("ch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT refunded_at").
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"refunded"}).AddRow(true))
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	if err := client.Refund(context.Background(), "ch-1", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if err := client.Refund(context.Background(), "ch-1", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("second refund should be a no-op: %v", err)
	}
}

func TestPostgresPayment_Refund_ScanError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payments SET refund_amount").
		WithArgs("ch-err", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT refunded_at").
		WithArgs("ch-err").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectClose()

	client := NewPostgresPaymentClient(db)
	if err := client.Refund(context.Background(), "ch-err", decimal.NewFromInt(1)); err == nil {
		t.Fatalf("expected scan error")
	}
}
