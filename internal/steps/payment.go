package steps

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/orders"
	"fulfillment/internal/saga"
)

// PaymentStep charges the order total once per order, however often it is invoked.
type PaymentStep struct {
	client  orders.PaymentClient
	guard   idempotency.Guard
	timeout time.Duration
}

func NewPaymentStep(client orders.PaymentClient, guard idempotency.Guard, cfg Config) *PaymentStep {
	return &PaymentStep{client: client, guard: guard, timeout: cfg.PaymentTimeout}
}

func (s *PaymentStep) Name() saga.StepName    { return saga.StepPayment }
func (s *PaymentStep) Timeout() time.Duration { return s.timeout }

// PaymentKey is the idempotency key guarding an order's charge.
func PaymentKey(orderID string) string {
	return "payment:" + orderID
}

func (s *PaymentStep) Execute(ctx context.Context, in saga.StepInput) (saga.StepOutput, error) {
	amount := in.Order.Total()
	if amount.IsNegative() {
		return saga.StepOutput{}, fault.Validation("order %s total %s is negative", in.OrderID, amount)
	}
	chargeID := stableID(in.OrderID, "charge", 0)

	raw, err := s.guard.Run(ctx, PaymentKey(in.OrderID), func(ctx context.Context) (json.RawMessage, error) {
		charge, err := s.client.Charge(ctx, chargeID, in.OrderID, amount)
		if err != nil {
			return nil, err
		}
		return json.Marshal(charge)
	})
	if err != nil {
		return saga.StepOutput{}, err
	}

	var charge orders.Charge
	if err := json.Unmarshal(raw, &charge); err != nil {
		return saga.StepOutput{}, fault.Mark(err, fault.KindTransient)
	}
	return saga.StepOutput{
		Detail: raw,
		Committed: []saga.Resource{{
			Kind:   saga.ResourceCharge,
			ID:     charge.ChargeID,
			Amount: charge.Amount,
		}},
	}, nil
}
