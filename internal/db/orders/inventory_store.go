package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fulfillment/internal/inventory"
)

// InventoryStore implements inventory.Store on Postgres. Every write is
// conditioned on the version the caller read.
type InventoryStore struct {
	db *sql.DB
}

// NewInventoryStore constructs an InventoryStore backed by Postgres.
func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

// NewInventoryStoreWithSchema initializes the schema then returns the store.
func NewInventoryStoreWithSchema(ctx context.Context, db *sql.DB) (*InventoryStore, error) {
	store := NewInventoryStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates inventory tables if they do not exist.
func (s *InventoryStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory (
			product_id TEXT NOT NULL,
			warehouse_id TEXT NOT NULL,
			available BIGINT NOT NULL CHECK (available >= 0),
			reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (product_id, warehouse_id)
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_reservations (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			warehouse_id TEXT NOT NULL,
			quantity BIGINT NOT NULL CHECK (quantity > 0),
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			released_at TIMESTAMPTZ,
			FOREIGN KEY (product_id, warehouse_id) REFERENCES inventory(product_id, warehouse_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *InventoryStore) Get(ctx context.Context, key inventory.Key) (inventory.Record, error) {
	var rec inventory.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, warehouse_id, available, reserved, version
		FROM inventory
		WHERE product_id = $1 AND warehouse_id = $2`,
		key.ProductID, key.WarehouseID,
	).Scan(&rec.ProductID, &rec.WarehouseID, &rec.Available, &rec.Reserved, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Record{}, inventory.ErrNotFound
	}
	if err != nil {
		return inventory.Record{}, transient(err)
	}
	return rec, nil
}

func (s *InventoryStore) Reservation(ctx context.Context, id string) (inventory.Reservation, bool, error) {
	var (
		res      inventory.Reservation
		released sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, warehouse_id, quantity, version, created_at, released_at
		FROM inventory_reservations
		WHERE id = $1`,
		id,
	).Scan(&res.ID, &res.ProductID, &res.WarehouseID, &res.Quantity, &res.Version, &res.CreatedAt, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Reservation{}, false, nil
	}
	if err != nil {
		return inventory.Reservation{}, false, transient(err)
	}
	if released.Valid {
		at := released.Time
		res.ReleasedAt = &at
	}
	return res, true, nil
}

// ApplyReservation writes next and inserts res in one transaction when the
// record is still at expected. An id that is still held also reports false; a
// released id is overwritten.
func (s *InventoryStore) ApplyReservation(ctx context.Context, expected int64, next inventory.Record, res inventory.Reservation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, transient(err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := casRecord(ctx, tx, expected, next)
	if err != nil || !ok {
		return false, err
	}

	inserted, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_reservations (id, product_id, warehouse_id, quantity, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET product_id = EXCLUDED.product_id, warehouse_id = EXCLUDED.warehouse_id,
			quantity = EXCLUDED.quantity, version = EXCLUDED.version,
			created_at = EXCLUDED.created_at, released_at = NULL
		WHERE inventory_reservations.released_at IS NOT NULL`,
		res.ID, res.ProductID, res.WarehouseID, res.Quantity, res.Version, res.CreatedAt,
	)
	if err != nil {
		return false, transient(err)
	}
	if n, err := inserted.RowsAffected(); err != nil {
		return false, transient(err)
	} else if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, transient(err)
	}
	return true, nil
}

// ApplyRelease marks res released and credits its quantity back, once.
func (s *InventoryStore) ApplyRelease(ctx context.Context, res inventory.Reservation, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, transient(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		productID, warehouseID string
		quantity               int64
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE inventory_reservations
		SET released_at = $2
		WHERE id = $1 AND released_at IS NULL
		RETURNING product_id, warehouse_id, quantity`,
		res.ID, at,
	).Scan(&productID, &warehouseID, &quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, transient(err)
	}

	credited, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = available + $3, reserved = reserved - $3, version = version + 1, updated_at = NOW()
		WHERE product_id = $1 AND warehouse_id = $2`,
		productID, warehouseID, quantity,
	)
	if err != nil {
		return false, transient(err)
	}
	if n, err := credited.RowsAffected(); err != nil {
		return false, transient(err)
	} else if n == 0 {
		return false, inventory.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, transient(err)
	}
	return true, nil
}

// CompareAndSet replaces the record at expected. expected 0 also inserts a new record.
func (s *InventoryStore) CompareAndSet(ctx context.Context, expected int64, next inventory.Record) (bool, error) {
	if expected == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO inventory (product_id, warehouse_id, available, reserved, version)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (product_id, warehouse_id) DO UPDATE
			SET available = EXCLUDED.available, reserved = EXCLUDED.reserved, version = EXCLUDED.version, updated_at = NOW()
			WHERE inventory.version = 0`,
			next.ProductID, next.WarehouseID, next.Available, next.Reserved, next.Version,
		)
		if err != nil {
			return false, transient(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, transient(err)
		}
		return n == 1, nil
	}
	return casRecord(ctx, s.db, expected, next)
}

func (s *InventoryStore) List(ctx context.Context) ([]inventory.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, warehouse_id, available, reserved, version
		FROM inventory
		ORDER BY product_id, warehouse_id`)
	if err != nil {
		return nil, transient(err)
	}
	defer rows.Close()

	var out []inventory.Record
	for rows.Next() {
		var rec inventory.Record
		if err := rows.Scan(&rec.ProductID, &rec.WarehouseID, &rec.Available, &rec.Reserved, &rec.Version); err != nil {
			return nil, transient(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// casRecord updates the record only if its version is still expected.
// A miss on an existing row reports false; a missing row is ErrNotFound.
func casRecord(ctx context.Context, q execQueryer, expected int64, next inventory.Record) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE inventory
		SET available = $3, reserved = $4, version = $5, updated_at = NOW()
		WHERE product_id = $1 AND warehouse_id = $2 AND version = $6`,
		next.ProductID, next.WarehouseID, next.Available, next.Reserved, next.Version, expected,
	)
	if err != nil {
		return false, transient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient(err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	err = q.QueryRowContext(ctx, `SELECT TRUE FROM inventory WHERE product_id = $1 AND warehouse_id = $2`,
		next.ProductID, next.WarehouseID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, inventory.ErrNotFound
	}
	if err != nil {
		return false, transient(err)
	}
	return false, nil
}
