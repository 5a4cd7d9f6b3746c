package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/reliability"
)

// Ledger reserves and releases stock with read, compute, conditional write.
type Ledger struct {
	store Store
	retry reliability.RetryPolicy
	now   func() time.Time
}

// NewLedger constructs a Ledger that retries version conflicts up to maxAttempts.
func NewLedger(store Store, maxAttempts int, backoff time.Duration) *Ledger {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Ledger{
		store: store,
		retry: reliability.RetryPolicy{
			MaxAttempts: maxAttempts,
			BaseDelay:   backoff,
			MaxDelay:    backoff * 8,
			ShouldRetry: func(err error) bool { return errors.Is(err, ErrVersionConflict) },
		},
		now: time.Now,
	}
}

// Get returns the current record.
func (l *Ledger) Get(ctx context.Context, productID, warehouseID string) (Record, error) {
	return l.store.Get(ctx, Key{ProductID: productID, WarehouseID: warehouseID})
}

// List returns every record.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	return l.store.List(ctx)
}

// TryReserve makes a single reservation attempt. It returns ErrInsufficientStock when
// the record cannot cover quantity and ErrVersionConflict when another writer won.
// Reserving an id that is still held returns the stored reservation. A released id
// is reserved again from current stock.
func (l *Ledger) TryReserve(ctx context.Context, id, productID, warehouseID string, quantity int64) (Reservation, error) {
	if quantity <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}
	if id == "" {
		return Reservation{}, fault.Validation("reservation id required")
	}
	if existing, ok, err := l.store.Reservation(ctx, id); err != nil {
		return Reservation{}, err
	} else if ok && !existing.Released() {
		return existing, nil
	}

	rec, err := l.store.Get(ctx, Key{ProductID: productID, WarehouseID: warehouseID})
	if err != nil {
		return Reservation{}, err
	}
	if rec.Available < quantity {
		return Reservation{}, fmt.Errorf("%s/%s: need %d, have %d: %w", productID, warehouseID, quantity, rec.Available, ErrInsufficientStock)
	}

	next := rec
	next.Available -= quantity
	next.Reserved += quantity
	next.Version = rec.Version + 1
	res := Reservation{
		ID:          id,
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    quantity,
		Version:     next.Version,
		CreatedAt:   l.now().UTC(),
	}

	ok, err := l.store.ApplyReservation(ctx, rec.Version, next, res)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return Reservation{}, ErrVersionConflict
	}
	return res, nil
}

// Reserve retries TryReserve on version conflicts up to the configured attempt count.
func (l *Ledger) Reserve(ctx context.Context, id, productID, warehouseID string, quantity int64) (Reservation, error) {
	var res Reservation
	attempts := 0
	err := l.retry.Do(ctx, func() error {
		attempts++
		var err error
		res, err = l.TryReserve(ctx, id, productID, warehouseID, quantity)
		return err
	})
	if errors.Is(err, ErrVersionConflict) {
		return Reservation{}, fmt.Errorf("reserve %s/%s gave up after %d attempts: %w", productID, warehouseID, attempts, err)
	}
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Release credits a reservation back. Releasing the same reservation twice is a no-op
// and reports false.
func (l *Ledger) Release(ctx context.Context, res Reservation) (bool, error) {
	if res.ID == "" {
		return false, fault.Validation("reservation id required")
	}
	return l.store.ApplyRelease(ctx, res, l.now().UTC())
}

// AdjustStock sets the available quantity, creating the record if needed.
func (l *Ledger) AdjustStock(ctx context.Context, productID, warehouseID string, available int64) (Record, error) {
	if available < 0 {
		return Record{}, ErrNegativeStock
	}
	if productID == "" || warehouseID == "" {
		return Record{}, fault.Validation("product and warehouse ids required")
	}
	key := Key{ProductID: productID, WarehouseID: warehouseID}

	var next Record
	err := l.retry.Do(ctx, func() error {
		current, err := l.store.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			current = Record{ProductID: productID, WarehouseID: warehouseID}
		case err != nil:
			return err
		}
		next = current
		next.Available = available
		next.Version = current.Version + 1
		ok, err := l.store.CompareAndSet(ctx, current.Version, next)
		if err != nil {
			return err
		}
		if !ok {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return next, nil
}
