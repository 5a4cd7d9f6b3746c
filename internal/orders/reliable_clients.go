package orders

import (
	"context"

	"fulfillment/internal/reliability"

	"github.com/shopspring/decimal"
)

// ReliablePaymentClient wraps a PaymentClient with reliability controls.
type ReliablePaymentClient struct {
	base  PaymentClient
	guard reliability.Guard
}

// NewReliablePaymentClient constructs a reliability-wrapped payment client.
func NewReliablePaymentClient(base PaymentClient, guard reliability.Guard) *ReliablePaymentClient {
	return &ReliablePaymentClient{base: base, guard: guard}
}

func (c *ReliablePaymentClient) Charge(ctx context.Context, chargeID, orderID string, amount decimal.Decimal) (Charge, error) {
	var ch Charge
	err := c.guard.Do(ctx, func() error {
		var err error
		ch, err = c.base.Charge(ctx, chargeID, orderID, amount)
		return err
	})
	return ch, err
}

func (c *ReliablePaymentClient) Refund(ctx context.Context, chargeID string, amount decimal.Decimal) error {
	return c.guard.Do(ctx, func() error {
		return c.base.Refund(ctx, chargeID, amount)
	})
}

// ReliableShippingClient wraps a ShippingClient with reliability controls.
type ReliableShippingClient struct {
	base  ShippingClient
	guard reliability.Guard
}

// NewReliableShippingClient constructs a reliability-wrapped shipping client.
func NewReliableShippingClient(base ShippingClient, guard reliability.Guard) *ReliableShippingClient {
	return &ReliableShippingClient{base: base, guard: guard}
}

func (c *ReliableShippingClient) Allocate(ctx context.Context, shipmentID string, o Order) (Shipment, error) {
	var s Shipment
	err := c.guard.Do(ctx, func() error {
		var err error
		s, err = c.base.Allocate(ctx, shipmentID, o)
		return err
	})
	return s, err
}

func (c *ReliableShippingClient) Cancel(ctx context.Context, shipmentID string) error {
	return c.guard.Do(ctx, func() error {
		return c.base.Cancel(ctx, shipmentID)
	})
}
