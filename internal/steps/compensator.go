package steps

import (
	"context"
	"errors"
	"log/slog"

	"fulfillment/internal/fault"
	"fulfillment/internal/inventory"
	"fulfillment/internal/orders"
	"fulfillment/internal/saga"
)

// Compensator undoes committed resources by kind. Every branch is idempotent.
type Compensator struct {
	ledger   *inventory.Ledger
	payments orders.PaymentClient
	shipping orders.ShippingClient
	logger   *slog.Logger
}

func NewCompensator(ledger *inventory.Ledger, payments orders.PaymentClient, shipping orders.ShippingClient, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{ledger: ledger, payments: payments, shipping: shipping, logger: logger}
}

func (c *Compensator) Compensate(ctx context.Context, req saga.CompensationRequest, res saga.Resource) error {
	switch res.Kind {
	case saga.ResourceReservation:
		released, err := c.ledger.Release(ctx, inventory.Reservation{
			ID:          res.ID,
			ProductID:   res.ProductID,
			WarehouseID: res.WarehouseID,
			Quantity:    res.Quantity,
		})
		if err != nil {
			return err
		}
		c.logger.InfoContext(ctx, "reservation released", "order_id", req.OrderID,
			"reservation_id", res.ID, "released", released, "failed_step", req.FailedStep)
		return nil
	case saga.ResourceCharge:
		err := c.payments.Refund(ctx, res.ID, res.Amount)
		if errors.Is(err, orders.ErrNotCharged) {
			return nil
		}
		if err == nil {
			c.logger.InfoContext(ctx, "charge refunded", "order_id", req.OrderID, "charge_id", res.ID, "amount", res.Amount)
		}
		return err
	case saga.ResourceShipment:
		err := c.shipping.Cancel(ctx, res.ID)
		if err == nil {
			c.logger.InfoContext(ctx, "shipment cancelled", "order_id", req.OrderID, "shipment_id", res.ID)
		}
		return err
	default:
		return fault.Validation("unknown resource kind %q", res.Kind)
	}
}
