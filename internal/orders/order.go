// Package orders holds the order aggregate and the gateways the fulfillment steps call.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/fault"

	"github.com/shopspring/decimal"
)

// Status is the externally visible order lifecycle.
type Status string

const (
	StatusCreated           Status = "Created"
	StatusInventoryReserved Status = "InventoryReserved"
	StatusPaymentConfirmed  Status = "PaymentConfirmed"
	StatusShippingAllocated Status = "ShippingAllocated"
	StatusFulfilled         Status = "Fulfilled"
	StatusCancelled         Status = "Cancelled"
	StatusFailed            Status = "Failed"
)

var statusFlow = map[Status][]Status{
	StatusCreated:           {StatusInventoryReserved, StatusCancelled, StatusFailed},
	StatusInventoryReserved: {StatusPaymentConfirmed, StatusCancelled, StatusFailed},
	StatusPaymentConfirmed:  {StatusShippingAllocated, StatusCancelled, StatusFailed},
	StatusShippingAllocated: {StatusFulfilled, StatusCancelled, StatusFailed},
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, next := range statusFlow[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LineItem is one product line of an order.
type LineItem struct {
	ProductID   string          `json:"productId"`
	WarehouseID string          `json:"warehouseId,omitempty"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// Subtotal is quantity times unit price.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(li.Quantity))
}

// Address is a shipping destination.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Order is never deleted; only its status moves.
type Order struct {
	ID              string     `json:"orderId"`
	CustomerID      string     `json:"customerId,omitempty"`
	CustomerEmail   string     `json:"customerEmail,omitempty"`
	Items           []LineItem `json:"lineItems"`
	ShippingAddress Address    `json:"shippingAddress"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Total sums every line subtotal.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, li := range o.Items {
		total = total.Add(li.Subtotal())
	}
	return total
}

var (
	ErrOrderIDRequired   = fault.Validation("order id required")
	ErrNoLineItems       = fault.Validation("order has no line items")
	ErrNotFound          = fault.BusinessRule("order not found")
	ErrInvalidTransition = fault.Conflict("invalid order status transition")
	ErrOrderMismatch     = fault.Validation("order id already used with different contents")
)

// Normalize fills the default warehouse on lines that omit one.
func (o *Order) Normalize(defaultWarehouse string) {
	for i := range o.Items {
		if o.Items[i].WarehouseID == "" {
			o.Items[i].WarehouseID = defaultWarehouse
		}
	}
}

// Validate checks the order can enter a saga.
func (o Order) Validate() error {
	if o.ID == "" {
		return ErrOrderIDRequired
	}
	if len(o.Items) == 0 {
		return ErrNoLineItems
	}
	var errs []error
	for i, li := range o.Items {
		if li.ProductID == "" {
			errs = append(errs, fmt.Errorf("line %d: product id required", i))
		}
		if li.WarehouseID == "" {
			errs = append(errs, fmt.Errorf("line %d: warehouse id required", i))
		}
		if li.Quantity <= 0 {
			errs = append(errs, fmt.Errorf("line %d: quantity must be positive", i))
		}
		if li.UnitPrice.IsNegative() {
			errs = append(errs, fmt.Errorf("line %d: unit price must be >= 0", i))
		}
	}
	if len(errs) > 0 {
		return fault.Mark(errors.Join(errs...), fault.KindValidation)
	}
	return nil
}

// SameContents reports whether two submissions describe the same order.
func (o Order) SameContents(other Order) bool {
	if o.ID != other.ID || o.CustomerID != other.CustomerID || len(o.Items) != len(other.Items) {
		return false
	}
	for i := range o.Items {
		a, b := o.Items[i], other.Items[i]
		if a.ProductID != b.ProductID || a.WarehouseID != b.WarehouseID || a.Quantity != b.Quantity || !a.UnitPrice.Equal(b.UnitPrice) {
			return false
		}
	}
	return true
}

// Repository persists orders.
type Repository interface {
	// Create stores o unless an order with the same id exists; created reports which happened.
	Create(ctx context.Context, o Order) (stored Order, created bool, err error)
	Get(ctx context.Context, id string) (Order, error)
	// UpdateStatus moves the order to status if the transition is allowed.
	UpdateStatus(ctx context.Context, id string, status Status) (Order, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Order, error)
}
