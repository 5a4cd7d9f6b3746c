package saga

import (
	"encoding/json"
	"time"

	"fulfillment/internal/fault"

	"github.com/shopspring/decimal"
)

// Outcome is how a step or a compensation ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// ResourceKind names what a step committed.
type ResourceKind string

const (
	ResourceReservation ResourceKind = "inventory_reservation"
	ResourceCharge      ResourceKind = "payment_charge"
	ResourceShipment    ResourceKind = "shipment"
)

// Resource is one thing a succeeded step committed and compensation must undo.
type Resource struct {
	Kind        ResourceKind    `json:"kind"`
	ID          string          `json:"id"`
	ProductID   string          `json:"productId,omitempty"`
	WarehouseID string          `json:"warehouseId,omitempty"`
	Quantity    int64           `json:"quantity,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// StepResult records one step invocation.
type StepResult struct {
	Step      StepName        `json:"step"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   time.Time       `json:"endedAt"`
	Outcome   Outcome         `json:"outcome"`
	Failure   *fault.Failure  `json:"failure,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Committed []Resource      `json:"committed,omitempty"`
}

// CompensationResult records one attempt to undo a resource.
type CompensationResult struct {
	Resource Resource       `json:"resource"`
	Outcome  Outcome        `json:"outcome"`
	Failure  *fault.Failure `json:"failure,omitempty"`
	At       time.Time      `json:"at"`
}

// Execution is the persisted saga for one order. Steps only grow and nothing changes once Terminal.
type Execution struct {
	OrderID          string               `json:"orderId"`
	IdempotencyToken string               `json:"idempotencyToken"`
	State            State                `json:"state"`
	Terminal         bool                 `json:"terminal"`
	Steps            []StepResult         `json:"steps"`
	FailedStep       StepName             `json:"failedStep,omitempty"`
	Cause            *fault.Failure       `json:"cause,omitempty"`
	Compensations    []CompensationResult `json:"compensations,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
	Deadline         time.Time            `json:"deadline"`
}

// Succeeded reports whether step already has a successful result.
func (e Execution) Succeeded(step StepName) bool {
	for _, r := range e.Steps {
		if r.Step == step && r.Outcome == OutcomeSucceeded {
			return true
		}
	}
	return false
}

// Committed returns the resources of every succeeded step in commit order.
func (e Execution) Committed() []Resource {
	var out []Resource
	for _, r := range e.Steps {
		if r.Outcome == OutcomeSucceeded {
			out = append(out, r.Committed...)
		}
	}
	return out
}

// Compensated reports whether res already has a successful compensation.
func (e Execution) Compensated(res Resource) bool {
	for _, c := range e.Compensations {
		if c.Outcome == OutcomeSucceeded && c.Resource.Kind == res.Kind && c.Resource.ID == res.ID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the slices so callers cannot mutate stored state.
func (e Execution) Clone() Execution {
	e.Steps = append([]StepResult(nil), e.Steps...)
	e.Compensations = append([]CompensationResult(nil), e.Compensations...)
	return e
}

// Change is a state transition request.
type Change struct {
	From       State
	To         State
	FailedStep StepName
	Cause      *fault.Failure
	At         time.Time
}
