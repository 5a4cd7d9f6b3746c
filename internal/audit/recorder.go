// Package audit appends routed domain events to the order event log.
package audit

import (
	"context"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/orders"
)

// Recorder is a delivery handler that writes each event to the order's history.
type Recorder struct {
	log orders.EventLog
}

func NewRecorder(log orders.EventLog) *Recorder {
	return &Recorder{log: log}
}

func (r *Recorder) Handle(ctx context.Context, msg delivery.Message) error {
	var ref struct {
		OrderID string `json:"orderId"`
	}
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	if ref.OrderID == "" {
		return fault.Validation("event %s has no orderId", msg.ID)
	}
	err := r.log.Append(ctx, orders.Event{
		OrderID:    ref.OrderID,
		EventID:    msg.ID,
		Type:       msg.Type,
		Source:     msg.Source,
		Detail:     msg.Detail,
		OccurredAt: msg.Time,
	})
	if err != nil {
		if _, ok := fault.KindOf(err); ok {
			return err
		}
		return fault.Mark(err, fault.KindTransient)
	}
	return nil
}
