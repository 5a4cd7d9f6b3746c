package steps

import (
	"context"
	"time"

	"fulfillment/internal/orders"
	"fulfillment/internal/saga"
)

// ShippingStep allocates a carrier for a paid order.
type ShippingStep struct {
	client  orders.ShippingClient
	timeout time.Duration
}

func NewShippingStep(client orders.ShippingClient, cfg Config) *ShippingStep {
	return &ShippingStep{client: client, timeout: cfg.ShippingTimeout}
}

func (s *ShippingStep) Name() saga.StepName    { return saga.StepShipping }
func (s *ShippingStep) Timeout() time.Duration { return s.timeout }

func (s *ShippingStep) Execute(ctx context.Context, in saga.StepInput) (saga.StepOutput, error) {
	var charge orders.Charge
	if err := in.Output(saga.StepPayment, &charge); err != nil {
		return saga.StepOutput{}, err
	}

	shipment, err := s.client.Allocate(ctx, stableID(in.OrderID, "shipment", 0), in.Order)
	if err != nil {
		return saga.StepOutput{}, err
	}
	return saga.NewOutput(shipment, saga.Resource{Kind: saga.ResourceShipment, ID: shipment.ShipmentID})
}
