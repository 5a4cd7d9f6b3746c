// Package saga drives the fulfillment steps of one order as an explicit state machine
// and compensates committed work when a step fails.
package saga

import (
	"fmt"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/orders"
)

// State is the tagged saga state.
type State string

const (
	StateCreated            State = "Created"
	StateReservingInventory State = "ReservingInventory"
	StateReservationFailed  State = "ReservationFailed"
	StateProcessingPayment  State = "ProcessingPayment"
	StatePaymentFailed      State = "PaymentFailed"
	StateAllocatingShipping State = "AllocatingShipping"
	StateShippingFailed     State = "ShippingFailed"
	StateNotifying          State = "Notifying"
	StateNotificationFailed State = "NotificationFailed"
	StateCompensating       State = "Compensating"
	StateCompleted          State = "Completed"
	StateFailed             State = "Failed"
)

var transitions = map[State][]State{
	StateCreated:            {StateReservingInventory},
	StateReservingInventory: {StateProcessingPayment, StateReservationFailed},
	StateProcessingPayment:  {StateAllocatingShipping, StatePaymentFailed},
	StateAllocatingShipping: {StateNotifying, StateShippingFailed},
	StateNotifying:          {StateCompleted, StateNotificationFailed},
	StateReservationFailed:  {StateCompensating},
	StatePaymentFailed:      {StateCompensating},
	StateShippingFailed:     {StateCompensating},
	StateNotificationFailed: {StateCompensating},
	StateCompensating:       {StateFailed},
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Failed reports whether s is one of the per-step failure states.
func (s State) Failed() bool {
	switch s {
	case StateReservationFailed, StatePaymentFailed, StateShippingFailed, StateNotificationFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned for moves outside the transition table.
var ErrInvalidTransition = fault.Conflict("invalid saga transition")

// CheckTransition returns ErrInvalidTransition unless from -> to is allowed.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// StepName identifies a fulfillment step. The values double as the failedStep wire names.
type StepName string

const (
	StepInventory    StepName = "INVENTORY"
	StepPayment      StepName = "PAYMENT"
	StepShipping     StepName = "SHIPPING"
	StepNotification StepName = "NOTIFICATION"
)

// stage binds a step to its states and to what success means for the order.
type stage struct {
	step        StepName
	running     State
	failed      State
	orderStatus orders.Status
	eventSource string
	eventType   string
}

var stages = []stage{
	{StepInventory, StateReservingInventory, StateReservationFailed, orders.StatusInventoryReserved, delivery.SourceInventory, delivery.TypeInventoryReserved},
	{StepPayment, StateProcessingPayment, StatePaymentFailed, orders.StatusPaymentConfirmed, delivery.SourcePayments, delivery.TypePaymentConfirmed},
	{StepShipping, StateAllocatingShipping, StateShippingFailed, orders.StatusShippingAllocated, delivery.SourceShipping, delivery.TypeShippingAllocated},
	{StepNotification, StateNotifying, StateNotificationFailed, "", "", ""},
}

// Steps lists the step names in execution order.
func Steps() []StepName {
	out := make([]StepName, len(stages))
	for i, st := range stages {
		out[i] = st.step
	}
	return out
}
