// Package delivery routes event envelopes to channels with at-least-once delivery
// and per-channel dead-lettering.
package delivery

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment/internal/fault"

	"github.com/google/uuid"
)

// Event sources.
const (
	SourceOrders    = "ecommerce.orders"
	SourceInventory = "ecommerce.inventory"
	SourcePayments  = "ecommerce.payments"
	SourceShipping  = "ecommerce.shipping"
)

// Event types emitted by the fulfillment saga.
const (
	TypeOrderCreated      = "OrderCreated"
	TypeInventoryReserved = "InventoryReserved"
	TypePaymentConfirmed  = "PaymentConfirmed"
	TypeShippingAllocated = "ShippingAllocated"
	TypeOrderConfirmation = "OrderConfirmation"
	TypeOrderFulfilled    = "OrderFulfilled"
	TypeOrderFailed       = "OrderFailed"
	TypeOrderCancelled    = "OrderCancelled"
)

// Envelope is the wire format carried through channels.
type Envelope struct {
	ID      string          `json:"id"`
	Source  string          `json:"source"`
	Type    string          `json:"type"`
	Detail  json.RawMessage `json:"detail"`
	Attempt int             `json:"attempt"`
	Time    time.Time       `json:"time"`
}

// NewEnvelope marshals detail into a fresh envelope.
func NewEnvelope(source, eventType string, detail any) (Envelope, error) {
	if source == "" || eventType == "" {
		return Envelope{}, fault.Validation("envelope source and type required")
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return Envelope{}, fault.Mark(err, fault.KindValidation)
	}
	return Envelope{
		ID:     uuid.NewString(),
		Source: source,
		Type:   eventType,
		Detail: raw,
		Time:   time.Now().UTC(),
	}, nil
}

// Decode unmarshals the envelope detail into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Detail, v); err != nil {
		return fault.Mark(err, fault.KindValidation)
	}
	return nil
}

// Publisher accepts envelopes for delivery.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}
