package orders

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Event is one entry of an order's audit trail.
type Event struct {
	OrderID    string          `json:"orderId"`
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// EventLog is an append-only per-order event history. Appending the same EventID twice is a no-op.
type EventLog interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, orderID string) ([]Event, error)
}

// MemoryEventLog keeps events in memory.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string][]Event
	seen   map[string]bool
}

// NewMemoryEventLog constructs an empty event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: make(map[string][]Event),
		seen:   make(map[string]bool),
	}
}

func (l *MemoryEventLog) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.EventID != "" {
		if l.seen[e.EventID] {
			return nil
		}
		l.seen[e.EventID] = true
	}
	l.events[e.OrderID] = append(l.events[e.OrderID], e)
	return nil
}

func (l *MemoryEventLog) List(ctx context.Context, orderID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]Event(nil), l.events[orderID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
