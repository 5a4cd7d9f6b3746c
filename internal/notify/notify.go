// Package notify consumes the notification channel: every order event is pushed to
// WebSocket clients and order confirmations are mailed to the customer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
)

// Mailer sends a customer email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg []byte) error
}

// LogMailer writes emails to the log instead of a mail transport.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, to, subject, body string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email sent", "to", to, "subject", subject, "bytes", len(body))
	return nil
}

// Notice is the message broadcast for each order event.
type Notice struct {
	EventID    string          `json:"eventId"`
	OrderID    string          `json:"orderId"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

type confirmation struct {
	OrderID        string `json:"orderId"`
	CustomerEmail  string `json:"customerEmail"`
	Total          string `json:"total"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
}

// mailedWindow is how many delivered confirmation ids are remembered.
const mailedWindow = 4096

// Handler is the notification channel consumer.
type Handler struct {
	broadcaster Broadcaster
	mailer      Mailer
	logger      *slog.Logger

	mu     sync.Mutex
	mailed map[string]struct{}
	order  []string
}

func NewHandler(broadcaster Broadcaster, mailer Mailer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broadcaster: broadcaster,
		mailer:      mailer,
		logger:      logger,
		mailed:      make(map[string]struct{}),
	}
}

func (h *Handler) Handle(ctx context.Context, msg delivery.Message) error {
	var ref struct {
		OrderID string `json:"orderId"`
	}
	if err := msg.Decode(&ref); err != nil {
		return err
	}
	if ref.OrderID == "" {
		return fault.Validation("event %s has no orderId", msg.ID)
	}

	if err := h.broadcast(ctx, ref.OrderID, msg); err != nil {
		return err
	}
	if msg.Type != delivery.TypeOrderConfirmation || h.mailer == nil || h.alreadyMailed(msg.ID) {
		return nil
	}
	if err := h.mail(ctx, msg); err != nil {
		return err
	}
	h.markMailed(msg.ID)
	return nil
}

func (h *Handler) broadcast(ctx context.Context, orderID string, msg delivery.Message) error {
	if h.broadcaster == nil {
		return nil
	}
	payload, err := json.Marshal(Notice{
		EventID:    msg.ID,
		OrderID:    orderID,
		Type:       msg.Type,
		Source:     msg.Source,
		Detail:     msg.Detail,
		OccurredAt: msg.Time,
	})
	if err != nil {
		return fault.Mark(err, fault.KindValidation)
	}
	if err := h.broadcaster.Broadcast(ctx, payload); err != nil {
		return fault.Mark(err, fault.KindTransient)
	}
	return nil
}

func (h *Handler) alreadyMailed(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.mailed[id]
	return ok
}

func (h *Handler) markMailed(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.mailed[id]; ok {
		return
	}
	h.mailed[id] = struct{}{}
	h.order = append(h.order, id)
	if len(h.order) > mailedWindow {
		delete(h.mailed, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *Handler) mail(ctx context.Context, msg delivery.Message) error {
	var c confirmation
	if err := msg.Decode(&c); err != nil {
		return err
	}
	if c.CustomerEmail == "" {
		h.logger.InfoContext(ctx, "confirmation without email", "order_id", c.OrderID)
		return nil
	}
	subject := fmt.Sprintf("Order %s confirmed", c.OrderID)
	body := fmt.Sprintf("Your order %s (total %s) ships with %s, tracking number %s.",
		c.OrderID, c.Total, c.Carrier, c.TrackingNumber)
	if err := h.mailer.Send(ctx, c.CustomerEmail, subject, body); err != nil {
		return fault.Mark(err, fault.KindTransient)
	}
	return nil
}
