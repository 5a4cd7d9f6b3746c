// Package inventory keeps per-product, per-warehouse stock under optimistic concurrency.
package inventory

import (
	"context"
	"time"

	"fulfillment/internal/fault"
)

// Record is the stock held for one product in one warehouse.
type Record struct {
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId"`
	Available   int64  `json:"available"`
	Reserved    int64  `json:"reserved"`
	Version     int64  `json:"version"`
}

// Key identifies a record.
type Key struct {
	ProductID   string
	WarehouseID string
}

func (r Record) Key() Key {
	return Key{ProductID: r.ProductID, WarehouseID: r.WarehouseID}
}

// Reservation is a quantity held for one saga against one record.
type Reservation struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"productId"`
	WarehouseID string     `json:"warehouseId"`
	Quantity    int64      `json:"quantity"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
}

func (r Reservation) Key() Key {
	return Key{ProductID: r.ProductID, WarehouseID: r.WarehouseID}
}

// Released reports whether the reservation has been credited back.
func (r Reservation) Released() bool {
	return r.ReleasedAt != nil
}

var (
	ErrNotFound          = fault.BusinessRule("inventory record not found")
	ErrInsufficientStock = fault.BusinessRule("insufficient stock")
	ErrVersionConflict   = fault.Conflict("inventory version conflict")
	ErrInvalidQuantity   = fault.Validation("quantity must be positive")
	ErrNegativeStock     = fault.Validation("available quantity must be >= 0")
)

// Store persists records and reservations. Writes are conditional on the version read.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	// Reservation returns a previously applied reservation by id.
	Reservation(ctx context.Context, id string) (Reservation, bool, error)
	// ApplyReservation stores next and res atomically if the record is still at expected.
	// It returns false when the version moved or res.ID is still held. A released id is replaced.
	ApplyReservation(ctx context.Context, expected int64, next Record, res Reservation) (bool, error)
	// ApplyRelease credits res back exactly once. It returns false if res was already released.
	ApplyRelease(ctx context.Context, res Reservation, at time.Time) (bool, error)
	// CompareAndSet replaces the record if it is still at expected; expected 0 with no record inserts.
	CompareAndSet(ctx context.Context, expected int64, next Record) (bool, error)
	List(ctx context.Context) ([]Record, error)
}
