package steps

import (
	"context"
	"time"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/orders"
	"fulfillment/internal/saga"

	"github.com/shopspring/decimal"
)

// NotifyStep publishes the order confirmation for the notification channel.
type NotifyStep struct {
	publisher delivery.Publisher
	timeout   time.Duration
}

func NewNotifyStep(publisher delivery.Publisher, cfg Config) *NotifyStep {
	return &NotifyStep{publisher: publisher, timeout: cfg.NotifyTimeout}
}

func (s *NotifyStep) Name() saga.StepName    { return saga.StepNotification }
func (s *NotifyStep) Timeout() time.Duration { return s.timeout }

// Confirmation is the OrderConfirmation event detail.
type Confirmation struct {
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId,omitempty"`
	CustomerEmail  string          `json:"customerEmail,omitempty"`
	Total          decimal.Decimal `json:"total"`
	ChargeID       string          `json:"chargeId"`
	Carrier        string          `json:"carrier"`
	TrackingNumber string          `json:"trackingNumber"`
}

func (s *NotifyStep) Execute(ctx context.Context, in saga.StepInput) (saga.StepOutput, error) {
	var charge orders.Charge
	if err := in.Output(saga.StepPayment, &charge); err != nil {
		return saga.StepOutput{}, err
	}
	var shipment orders.Shipment
	if err := in.Output(saga.StepShipping, &shipment); err != nil {
		return saga.StepOutput{}, err
	}

	confirmation := Confirmation{
		OrderID:        in.OrderID,
		CustomerID:     in.Order.CustomerID,
		CustomerEmail:  in.Order.CustomerEmail,
		Total:          charge.Amount,
		ChargeID:       charge.ChargeID,
		Carrier:        shipment.Carrier,
		TrackingNumber: shipment.TrackingNumber,
	}
	env, err := delivery.NewEnvelope(delivery.SourceOrders, delivery.TypeOrderConfirmation, confirmation)
	if err != nil {
		return saga.StepOutput{}, err
	}
	// Re-invocations publish the same id so consumers can drop duplicates.
	env.ID = stableID(in.OrderID, "confirmation", 0)
	if err := s.publisher.Publish(ctx, env); err != nil {
		return saga.StepOutput{}, fault.Wrap(fault.Mark(err, fault.KindTransient), "publish confirmation")
	}
	return saga.NewOutput(map[string]string{"eventId": env.ID})
}
