package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(available int64) (*Ledger, *MemoryStore) {
	store := NewMemoryStore(Record{ProductID: "P", WarehouseID: "W", Available: available})
	return NewLedger(store, 5, 0), store
}

func TestLedger_ReserveDecrementsAndBumpsVersion(t *testing.T) {
	ledger, _ := seeded(5)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "O1-P", "P", "W", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)

	rec, err := ledger.Get(ctx, "P", "W")
	require.NoError(t, err)
	assert.Equal(t, Record{ProductID: "P", WarehouseID: "W", Available: 2, Reserved: 3, Version: 1}, rec)
}

func TestLedger_InsufficientStockIsPermanent(t *testing.T) {
	ledger, _ := seeded(2)
	_, err := ledger.Reserve(context.Background(), "O1-P", "P", "W", 3)
	require.ErrorIs(t, err, ErrInsufficientStock)
	kind, ok := fault.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindBusinessRule, kind)
	assert.False(t, fault.Retryable(err))
}

func TestLedger_ConcurrentReservationsExactlyOneWins(t *testing.T) {
	ledger, _ := seeded(5)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Reserve(ctx, fmt.Sprintf("O%d-P", i), "P", "W", 3)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)

	rec, err := ledger.Get(ctx, "P", "W")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Available)
	assert.Equal(t, int64(3), rec.Reserved)
}

func TestLedger_NoOversellUnderContention(t *testing.T) {
	store := NewMemoryStore(Record{ProductID: "P", WarehouseID: "W", Available: 20})
	ledger := NewLedger(store, 100, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var reserved int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			qty := int64(i%3 + 1)
			if _, err := ledger.Reserve(ctx, fmt.Sprintf("R%d", i), "P", "W", qty); err == nil {
				mu.Lock()
				reserved += qty
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	rec, err := ledger.Get(ctx, "P", "W")
	require.NoError(t, err)
	assert.LessOrEqual(t, reserved, int64(20))
	assert.Equal(t, reserved, rec.Reserved)
	assert.Equal(t, int64(20)-reserved, rec.Available)
	assert.GreaterOrEqual(t, rec.Available, int64(0))
}

func TestLedger_ReserveIsIdempotentPerID(t *testing.T) {
	ledger, _ := seeded(5)
	ctx := context.Background()

	first, err := ledger.Reserve(ctx, "O1-P", "P", "W", 2)
	require.NoError(t, err)
	second, err := ledger.Reserve(ctx, "O1-P", "P", "W", 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec, err := ledger.Get(ctx, "P", "W")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Available)
}

func TestLedger_ReleaseOnlyOnce(t *testing.T) {
	ledger, _ := seeded(5)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "O1-P", "P", "W", 3)
	require.NoError(t, err)

	released, err := ledger.Release(ctx, res)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = ledger.Release(ctx, res)
	require.NoError(t, err)
	assert.False(t, released)

	rec, err := ledger.Get(ctx, "P", "W")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)
}

func TestLedger_ReleasedIDIsReservedAgain(t *testing.T) {
	ledger, _ := seeded(5)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "O1-P", "P", "W", 3)
	require.NoError(t, err)
	_, err = ledger.Release(ctx, res)
	require.NoError(t, err)

	again, err := ledger.Reserve(ctx, "O1-P", "P", "W", 3)
	require.NoError(t, err)
	assert.False(t, again.Released())

	rec, err := ledger.Get(ctx, "P", "W")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Available)
	assert.Equal(t, int64(3), rec.Reserved)

	released, err := ledger.Release(ctx, again)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLedger_ReleasedIDWithoutStockFails(t *testing.T) {
	ledger, _ := seeded(3)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "O1-P", "P", "W", 3)
	require.NoError(t, err)
	_, err = ledger.Release(ctx, res)
	require.NoError(t, err)
	_, err = ledger.AdjustStock(ctx, "P", "W", 1)
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, "O1-P", "P", "W", 3)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestLedger_ReleaseUnknownReservationIsNoop(t *testing.T) {
	ledger, _ := seeded(5)
	released, err := ledger.Release(context.Background(), Reservation{ID: "ghost", ProductID: "P", WarehouseID: "W", Quantity: 4})
	require.NoError(t, err)
	assert.False(t, released)
}

type conflictingStore struct {
	*MemoryStore
	applies int
}

func (s *conflictingStore) ApplyReservation(context.Context, int64, Record, Reservation) (bool, error) {
	s.applies++
	return false, nil
}

func TestLedger_VersionConflictBounded(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(Record{ProductID: "P", WarehouseID: "W", Available: 5})}
	ledger := NewLedger(store, 3, time.Nanosecond)
	ledger.retry.Sleep = func(context.Context, time.Duration) error { return nil }

	_, err := ledger.Reserve(context.Background(), "O1-P", "P", "W", 1)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 3, store.applies)
	kind, _ := fault.KindOf(err)
	assert.Equal(t, fault.KindConflict, kind)
}

func TestLedger_AdjustStock(t *testing.T) {
	ledger, _ := seeded(5)
	ctx := context.Background()

	rec, err := ledger.AdjustStock(ctx, "P", "W", 12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), rec.Available)
	assert.Equal(t, int64(1), rec.Version)

	created, err := ledger.AdjustStock(ctx, "Q", "W", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = ledger.AdjustStock(ctx, "P", "W", -1)
	assert.True(t, errors.Is(err, ErrNegativeStock))

	all, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "P", all[0].ProductID)
}

func TestLedger_RejectsNonPositiveQuantity(t *testing.T) {
	ledger, _ := seeded(5)
	_, err := ledger.Reserve(context.Background(), "O1-P", "P", "W", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}
