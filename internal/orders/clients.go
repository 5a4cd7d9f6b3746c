package orders

import (
	"context"
	"fmt"
	"sync"

	"fulfillment/internal/fault"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Charge is a captured payment.
type Charge struct {
	ChargeID string          `json:"chargeId"`
	OrderID  string          `json:"orderId"`
	Amount   decimal.Decimal `json:"amount"`
}

// Shipment is an allocated carrier booking.
type Shipment struct {
	ShipmentID     string `json:"shipmentId"`
	OrderID        string `json:"orderId"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
}

// PaymentClient captures and refunds payments. Both calls must be idempotent per chargeID.
type PaymentClient interface {
	Charge(ctx context.Context, chargeID, orderID string, amount decimal.Decimal) (Charge, error)
	Refund(ctx context.Context, chargeID string, amount decimal.Decimal) error
}

// ShippingClient allocates and cancels shipments. Both calls must be idempotent per shipmentID.
type ShippingClient interface {
	Allocate(ctx context.Context, shipmentID string, o Order) (Shipment, error)
	Cancel(ctx context.Context, shipmentID string) error
}

var (
	ErrPaymentDeclined = fault.BusinessRule("payment declined")
	ErrNotCharged      = fault.BusinessRule("charge not found")
	ErrNoCarrier       = fault.BusinessRule("no carrier available")
)

// InMemoryPaymentClient tracks charges and refunds in memory.
type InMemoryPaymentClient struct {
	mu       sync.Mutex
	charges  map[string]Charge
	refunded map[string]bool
	// Decline makes Charge reject the given order ids.
	Decline map[string]bool
	calls   int
}

// NewInMemoryPaymentClient constructs an in-memory payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		charges:  make(map[string]Charge),
		refunded: make(map[string]bool),
		Decline:  make(map[string]bool),
	}
}

func (c *InMemoryPaymentClient) Charge(ctx context.Context, chargeID, orderID string, amount decimal.Decimal) (Charge, error) {
	if err := ctx.Err(); err != nil {
		return Charge{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if existing, ok := c.charges[chargeID]; ok {
		return existing, nil
	}
	if c.Decline[orderID] {
		return Charge{}, fmt.Errorf("order %s: %w", orderID, ErrPaymentDeclined)
	}
	ch := Charge{ChargeID: chargeID, OrderID: orderID, Amount: amount}
	c.charges[chargeID] = ch
	return ch, nil
}

func (c *InMemoryPaymentClient) Refund(ctx context.Context, chargeID string, _ decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.charges[chargeID]; !ok {
		return ErrNotCharged
	}
	c.refunded[chargeID] = true
	return nil
}

// WasCharged reports whether a charge exists for the order.
func (c *InMemoryPaymentClient) WasCharged(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.charges {
		if ch.OrderID == orderID {
			return true
		}
	}
	return false
}

// WasRefunded reports whether the charge was refunded.
func (c *InMemoryPaymentClient) WasRefunded(chargeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refunded[chargeID]
}

// Calls returns how many Charge calls reached the client.
func (c *InMemoryPaymentClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// InMemoryShippingClient tracks shipments in memory.
type InMemoryShippingClient struct {
	mu        sync.Mutex
	shipments map[string]Shipment
	cancelled map[string]bool
	// Unserviceable makes Allocate reject orders shipping to these countries.
	Unserviceable map[string]bool
	Carrier       string
}

// NewInMemoryShippingClient constructs an in-memory shipping client.
func NewInMemoryShippingClient() *InMemoryShippingClient {
	return &InMemoryShippingClient{
		shipments:     make(map[string]Shipment),
		cancelled:     make(map[string]bool),
		Unserviceable: make(map[string]bool),
		Carrier:       "standard",
	}
}

func (c *InMemoryShippingClient) Allocate(ctx context.Context, shipmentID string, o Order) (Shipment, error) {
	if err := ctx.Err(); err != nil {
		return Shipment{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.shipments[shipmentID]; ok {
		return existing, nil
	}
	if c.Unserviceable[o.ShippingAddress.Country] {
		return Shipment{}, fmt.Errorf("country %q: %w", o.ShippingAddress.Country, ErrNoCarrier)
	}
	s := Shipment{
		ShipmentID:     shipmentID,
		OrderID:        o.ID,
		Carrier:        c.Carrier,
		TrackingNumber: "TRK-" + uuid.NewString()[:8],
	}
	c.shipments[shipmentID] = s
	return s, nil
}

func (c *InMemoryShippingClient) Cancel(ctx context.Context, shipmentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shipments[shipmentID]; !ok {
		return nil
	}
	c.cancelled[shipmentID] = true
	return nil
}

// WasCancelled reports whether the shipment was cancelled.
func (c *InMemoryShippingClient) WasCancelled(shipmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[shipmentID]
}

// Shipment returns an allocated shipment, if any.
func (c *InMemoryShippingClient) Shipment(shipmentID string) (Shipment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shipments[shipmentID]
	return s, ok
}
