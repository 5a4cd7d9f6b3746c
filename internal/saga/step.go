package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/orders"
)

// StepInput is what every step receives: the order and the results of the steps before it.
type StepInput struct {
	OrderID string       `json:"orderId"`
	Order   orders.Order `json:"order"`
	Prior   []StepResult `json:"prior,omitempty"`
}

// Output decodes the output of a prior successful step into v.
func (in StepInput) Output(step StepName, v any) error {
	for i := len(in.Prior) - 1; i >= 0; i-- {
		r := in.Prior[i]
		if r.Step == step && r.Outcome == OutcomeSucceeded {
			if err := json.Unmarshal(r.Output, v); err != nil {
				return fault.Mark(fmt.Errorf("decode %s output: %w", step, err), fault.KindValidation)
			}
			return nil
		}
	}
	return fault.Validation("no successful %s result", step)
}

// StepOutput is a step's result: a JSON detail and the resources it committed.
type StepOutput struct {
	Detail    json.RawMessage
	Committed []Resource
}

// NewOutput marshals detail into a StepOutput.
func NewOutput(detail any, committed ...Resource) (StepOutput, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return StepOutput{}, err
	}
	return StepOutput{Detail: raw, Committed: committed}, nil
}

// Step is the contract each fulfillment step satisfies. Execute must be safe to call
// again with the same input, must honor ctx, and returns a classified error on failure.
// A failing step must leave nothing committed.
type Step interface {
	Name() StepName
	Timeout() time.Duration
	Execute(ctx context.Context, in StepInput) (StepOutput, error)
}

// CompensationRequest describes why compensation runs.
type CompensationRequest struct {
	OrderID    string         `json:"orderId"`
	FailedStep StepName       `json:"failedStep"`
	Cause      *fault.Failure `json:"error"`
}

// Compensator undoes one committed resource. It must be idempotent.
type Compensator interface {
	Compensate(ctx context.Context, req CompensationRequest, res Resource) error
}
