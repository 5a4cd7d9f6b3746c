package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/orders"
)

// OrderStore persists orders and their audit trail in Postgres.
type OrderStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, now: time.Now}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders and order_events tables if they do not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			items JSONB NOT NULL,
			shipping_address JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT UNIQUE,
			order_id TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			detail JSONB,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_events_order_idx ON order_events (order_id, occurred_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const orderColumns = `order_id, customer_id, customer_email, items, shipping_address, status, created_at, updated_at`

// Create inserts o, or returns the stored order when the id already exists.
func (s *OrderStore) Create(ctx context.Context, o orders.Order) (orders.Order, bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return orders.Order{}, false, err
	}
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return orders.Order{}, false, err
	}
	now := s.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = orders.StatusCreated
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id) DO NOTHING`,
		o.ID, o.CustomerID, o.CustomerEmail, string(items), string(addr), string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return orders.Order{}, false, transient(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Order{}, false, transient(err)
	}
	if affected == 1 {
		return o, true, nil
	}

	existing, err := s.Get(ctx, o.ID)
	if err != nil {
		return orders.Order{}, false, err
	}
	return existing, false, nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, err
}

// UpdateStatus applies an allowed status change under a row lock.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status orders.Status) (orders.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.Order{}, transient(err)
	}
	defer func() { _ = tx.Rollback() }()

	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	if o.Status == status {
		return o, nil
	}
	if !orders.CanTransition(o.Status, status) {
		return orders.Order{}, fmt.Errorf("%s -> %s: %w", o.Status, status, orders.ErrInvalidTransition)
	}

	o.Status = status
	o.UpdatedAt = s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE order_id = $1`, id, string(status), o.UpdatedAt); err != nil {
		return orders.Order{}, transient(err)
	}
	if err := tx.Commit(); err != nil {
		return orders.Order{}, transient(err)
	}
	return o, nil
}

func (s *OrderStore) ListByStatus(ctx context.Context, status orders.Status, limit int) ([]orders.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Append records e once per event id.
func (s *OrderStore) Append(ctx context.Context, e orders.Event) error {
	var eventID sql.NullString
	if e.EventID != "" {
		eventID = sql.NullString{String: e.EventID, Valid: true}
	}
	var detail sql.NullString
	if len(e.Detail) > 0 {
		detail = sql.NullString{String: string(e.Detail), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_events (event_id, order_id, type, source, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, e.OrderID, e.Type, e.Source, detail, e.OccurredAt,
	)
	return transient(err)
}

// List returns the order's events in occurrence order.
func (s *OrderStore) List(ctx context.Context, orderID string) ([]orders.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(event_id, ''), order_id, type, source, detail, occurred_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY occurred_at, id`,
		orderID,
	)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []orders.Event
	for rows.Next() {
		var e orders.Event
		var detail []byte
		if err := rows.Scan(&e.EventID, &e.OrderID, &e.Type, &e.Source, &detail, &e.OccurredAt); err != nil {
			return nil, transient(err)
		}
		if len(detail) > 0 {
			e.Detail = json.RawMessage(detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanOrder(row scanner) (orders.Order, error) {
	var (
		o           orders.Order
		items, addr []byte
		status      string
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.CustomerEmail, &items, &addr, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, err
		}
		return orders.Order{}, transient(err)
	}
	o.Status = orders.Status(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return orders.Order{}, fmt.Errorf("decode items of %s: %w", o.ID, err)
	}
	if len(addr) > 0 {
		if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
			return orders.Order{}, fmt.Errorf("decode address of %s: %w", o.ID, err)
		}
	}
	return o, nil
}
