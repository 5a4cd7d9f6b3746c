package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"fulfillment/internal/fault"
	"fulfillment/internal/observability"
)

// Channel names used by the default rules.
const (
	ChannelInventory    = "inventory"
	ChannelPayment      = "payment"
	ChannelShipping     = "shipping"
	ChannelNotification = "notification"
)

// Rule routes envelopes matching every non-empty filter to Channel.
type Rule struct {
	Name    string
	Sources []string
	Types   []string
	Channel string
}

// Matches reports whether env passes the rule filters.
func (r Rule) Matches(env Envelope) bool {
	if len(r.Sources) > 0 && !slices.Contains(r.Sources, env.Source) {
		return false
	}
	if len(r.Types) > 0 && !slices.Contains(r.Types, env.Type) {
		return false
	}
	return true
}

// DefaultRules routes each step's completion event to the next step's channel and every
// domain event to the notification channel.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "order-created", Sources: []string{SourceOrders}, Types: []string{TypeOrderCreated}, Channel: ChannelInventory},
		{Name: "inventory-reserved", Sources: []string{SourceInventory}, Types: []string{TypeInventoryReserved}, Channel: ChannelPayment},
		{Name: "payment-confirmed", Sources: []string{SourcePayments}, Types: []string{TypePaymentConfirmed}, Channel: ChannelShipping},
		{Name: "notifications", Sources: []string{SourceOrders, SourceInventory, SourcePayments, SourceShipping}, Channel: ChannelNotification},
	}
}

// ErrUnknownChannel is returned for channels no rule targets.
var ErrUnknownChannel = fault.Validation("unknown channel")

// Broker fans envelopes out to channels by rule. Each channel delivers independently.
type Broker struct {
	rules   []Rule
	queues  map[string]*Queue
	sink    DeadLetterSink
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewBroker creates one queue per channel named by rules. sink may be nil.
func NewBroker(cfg QueueConfig, rules []Rule, sink DeadLetterSink, metrics *observability.Metrics, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		rules:   append([]Rule(nil), rules...),
		queues:  make(map[string]*Queue),
		sink:    sink,
		metrics: metrics,
		logger:  logger.With("component", "delivery"),
	}
	for _, r := range rules {
		if _, ok := b.queues[r.Channel]; !ok {
			b.queues[r.Channel] = NewQueue(r.Channel, cfg, b.deadLettered)
		}
	}
	return b
}

// Publish sends env to every matching channel. A failure on one channel does not stop
// delivery to the others.
func (b *Broker) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	matched := 0
	for _, r := range b.rules {
		if !r.Matches(env) {
			continue
		}
		matched++
		if err := b.queues[r.Channel].Send(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", r.Channel, err))
			continue
		}
		b.metrics.IncDelivery(r.Channel, observability.DeliveryPublished)
	}
	if matched == 0 {
		b.logger.DebugContext(ctx, "no route for event", "source", env.Source, "type", env.Type)
	}
	return errors.Join(errs...)
}

// Queue returns the named channel.
func (b *Broker) Queue(channel string) (*Queue, error) {
	q, ok := b.queues[channel]
	if !ok {
		return nil, fmt.Errorf("%s: %w", channel, ErrUnknownChannel)
	}
	return q, nil
}

// Channels lists channel names in sorted order.
func (b *Broker) Channels() []string {
	out := make([]string, 0, len(b.queues))
	for name := range b.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DeadLetters lists the dead-letter queue of channel.
func (b *Broker) DeadLetters(channel string) ([]DeadLetter, error) {
	q, err := b.Queue(channel)
	if err != nil {
		return nil, err
	}
	return q.DeadLetters(), nil
}

// Redrive moves a dead letter back onto its channel.
func (b *Broker) Redrive(ctx context.Context, channel, id string) (Envelope, error) {
	q, err := b.Queue(channel)
	if err != nil {
		return Envelope{}, err
	}
	dl, err := q.Redrive(id)
	if err != nil {
		return Envelope{}, err
	}
	if rec, ok := b.sink.(RedriveRecorder); ok {
		if err := rec.Redriven(ctx, dl); err != nil {
			b.logger.WarnContext(ctx, "redrive record failed", "channel", channel, "id", id, "error", err)
		}
	}
	b.metrics.IncDelivery(channel, observability.DeliveryRedriven)
	b.logger.InfoContext(ctx, "dead letter redriven", "channel", channel, "id", id)
	return dl.Envelope, nil
}

// Restore puts previously persisted dead letters back into their channels' dead-letter
// queues without writing them to the sink again.
func (b *Broker) Restore(dead []DeadLetter) int {
	restored := 0
	for _, dl := range dead {
		q, ok := b.queues[dl.Channel]
		if !ok {
			continue
		}
		q.restore(dl)
		restored++
	}
	return restored
}

// PurgeDeadLetters drops expired dead letters on every channel.
func (b *Broker) PurgeDeadLetters(ctx context.Context) int {
	total := 0
	for name, q := range b.queues {
		if n := q.PurgeDeadLetters(); n > 0 {
			b.logger.InfoContext(ctx, "dead letters purged", "channel", name, "count", n)
			total += n
		}
	}
	return total
}

func (b *Broker) deadLettered(dl DeadLetter) {
	b.metrics.IncDelivery(dl.Channel, observability.DeliveryDeadLettered)
	b.logger.Warn("message dead-lettered", "channel", dl.Channel, "id", dl.ID,
		"type", dl.Type, "receive_count", dl.ReceiveCount, "reason", dl.Reason)
	if b.sink == nil {
		return
	}
	if err := b.sink.Write(context.Background(), dl); err != nil {
		b.logger.Error("dead letter sink write failed", "channel", dl.Channel, "id", dl.ID, "error", err)
	}
}
