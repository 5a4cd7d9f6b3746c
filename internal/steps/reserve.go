package steps

import (
	"context"
	"log/slog"
	"time"

	"fulfillment/internal/inventory"
	"fulfillment/internal/saga"
)

// ReserveStep reserves every order line against the inventory ledger. Either all lines
// are reserved or none stay reserved.
type ReserveStep struct {
	ledger  *inventory.Ledger
	timeout time.Duration
	logger  *slog.Logger
}

func NewReserveStep(ledger *inventory.Ledger, cfg Config, logger *slog.Logger) *ReserveStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReserveStep{ledger: ledger, timeout: cfg.ReserveTimeout, logger: logger}
}

func (s *ReserveStep) Name() saga.StepName    { return saga.StepInventory }
func (s *ReserveStep) Timeout() time.Duration { return s.timeout }

// ReserveOutput is the step's JSON output.
type ReserveOutput struct {
	Reservations []inventory.Reservation `json:"reservations"`
}

func (s *ReserveStep) Execute(ctx context.Context, in saga.StepInput) (saga.StepOutput, error) {
	var reserved []inventory.Reservation
	for i, li := range in.Order.Items {
		res, err := s.ledger.Reserve(ctx, stableID(in.OrderID, "reservation", i), li.ProductID, li.WarehouseID, li.Quantity)
		if err != nil {
			s.rollback(ctx, in.OrderID, reserved)
			return saga.StepOutput{}, err
		}
		reserved = append(reserved, res)
	}

	committed := make([]saga.Resource, len(reserved))
	for i, res := range reserved {
		committed[i] = saga.Resource{
			Kind:        saga.ResourceReservation,
			ID:          res.ID,
			ProductID:   res.ProductID,
			WarehouseID: res.WarehouseID,
			Quantity:    res.Quantity,
		}
	}
	return saga.NewOutput(ReserveOutput{Reservations: reserved}, committed...)
}

// rollback releases lines reserved before a later line failed.
func (s *ReserveStep) rollback(ctx context.Context, orderID string, reserved []inventory.Reservation) {
	ctx = context.WithoutCancel(ctx)
	for i := len(reserved) - 1; i >= 0; i-- {
		if _, err := s.ledger.Release(ctx, reserved[i]); err != nil {
			s.logger.ErrorContext(ctx, "reservation rollback failed", "order_id", orderID,
				"reservation_id", reserved[i].ID, "error", err)
		}
	}
}
