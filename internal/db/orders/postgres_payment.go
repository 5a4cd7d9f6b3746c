package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment/internal/fault"
	"fulfillment/internal/orders"

	"github.com/shopspring/decimal"
)

// PostgresPaymentClient records charges and refunds in Postgres. It stands in for
// the payment provider and is idempotent per charge id.
type PostgresPaymentClient struct {
	db *sql.DB
	// Limit declines charges above it when positive.
	Limit decimal.Decimal
}

// NewPostgresPaymentClient constructs a PaymentClient backed by Postgres.
func NewPostgresPaymentClient(db *sql.DB) *PostgresPaymentClient {
	return &PostgresPaymentClient{db: db}
}

// NewPostgresPaymentClientWithSchema initializes the schema then returns the client.
func NewPostgresPaymentClientWithSchema(ctx context.Context, db *sql.DB) (*PostgresPaymentClient, error) {
	client := NewPostgresPaymentClient(db)
	if err := client.InitSchema(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PostgresPaymentClient) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			charge_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			amount NUMERIC(14, 2) NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			refunded_at TIMESTAMPTZ,
			refund_amount NUMERIC(14, 2)
		)
	`)
	return err
}

// Charge captures amount under chargeID. Repeating a charge id returns the stored charge.
func (p *PostgresPaymentClient) Charge(ctx context.Context, chargeID, orderID string, amount decimal.Decimal) (orders.Charge, error) {
	if chargeID == "" || orderID == "" {
		return orders.Charge{}, fault.Validation("charge and order ids are required")
	}
	if amount.IsNegative() {
		return orders.Charge{}, fault.Validation("charge amount must be >= 0")
	}

	existing, ok, err := p.lookup(ctx, chargeID)
	if err != nil {
		return orders.Charge{}, err
	}
	if ok {
		return existing, nil
	}
	if p.Limit.IsPositive() && amount.GreaterThan(p.Limit) {
		return orders.Charge{}, fmt.Errorf("order %s amount %s over limit %s: %w", orderID, amount, p.Limit, orders.ErrPaymentDeclined)
	}

	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (charge_id, order_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (charge_id) DO NOTHING`,
		chargeID, orderID, amount,
	); err != nil {
		return orders.Charge{}, transient(err)
	}

	stored, ok, err := p.lookup(ctx, chargeID)
	if err != nil {
		return orders.Charge{}, err
	}
	if !ok {
		return orders.Charge{}, fault.Transient("charge %s not found after insert", chargeID)
	}
	return stored, nil
}

// Refund credits the charge back. Refunding twice is a no-op; an unknown charge is ErrNotCharged.
func (p *PostgresPaymentClient) Refund(ctx context.Context, chargeID string, amount decimal.Decimal) error {
	if chargeID == "" {
		return fault.Validation("charge id required")
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET refund_amount = $2, refunded_at = NOW()
		WHERE charge_id = $1 AND refunded_at IS NULL`,
		chargeID, amount,
	)
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

	var refunded bool
	err = p.db.QueryRowContext(ctx, `SELECT refunded_at IS NOT NULL FROM payments WHERE charge_id = $1`, chargeID).Scan(&refunded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return orders.ErrNotCharged
	case err != nil:
		return transient(err)
	default:
		return nil
	}
}

func (p *PostgresPaymentClient) lookup(ctx context.Context, chargeID string) (orders.Charge, bool, error) {
	ch := orders.Charge{ChargeID: chargeID}
	err := p.db.QueryRowContext(ctx, `SELECT order_id, amount FROM payments WHERE charge_id = $1`, chargeID).Scan(&ch.OrderID, &ch.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Charge{}, false, nil
	}
	if err != nil {
		return orders.Charge{}, false, transient(err)
	}
	return ch, true, nil
}
