package delivery

import (
	"context"
	"slices"
	"sync"
	"time"

	"fulfillment/internal/fault"

	"github.com/google/uuid"
)

// QueueConfig bounds redelivery on one channel.
type QueueConfig struct {
	// VisibilityTimeout is how long a received message stays hidden before redelivery.
	VisibilityTimeout time.Duration
	// MaxReceiveCount is how many deliveries a message gets before it is dead-lettered.
	MaxReceiveCount     int
	DeadLetterRetention time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 60 * time.Second
	}
	if c.MaxReceiveCount <= 0 {
		c.MaxReceiveCount = 3
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = 14 * 24 * time.Hour
	}
	return c
}

// Message is a received envelope. Receipt identifies this delivery for Ack and Nack.
type Message struct {
	Envelope
	Channel string `json:"channel"`
	Receipt string `json:"-"`
}

// DeadLetter is a message that exhausted its deliveries, kept for inspection.
type DeadLetter struct {
	Envelope
	Channel        string    `json:"channel"`
	ReceiveCount   int       `json:"receiveCount"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

var (
	// ErrReceiptInvalid means the delivery already settled or its visibility expired.
	ErrReceiptInvalid     = fault.Conflict("receipt is not in flight")
	ErrDeadLetterNotFound = fault.Validation("dead letter not found")
)

type entry struct {
	env          Envelope
	receiveCount int
	visibleAt    time.Time
	receipt      string
}

// Queue is one channel: pending messages plus its dead-letter queue.
type Queue struct {
	name         string
	cfg          QueueConfig
	onDeadLetter func(DeadLetter)

	mu      sync.Mutex
	entries []*entry
	dead    []DeadLetter
	signal  chan struct{}
	now     func() time.Time
}

// NewQueue constructs a channel. onDeadLetter, when set, is called for every message
// moved to the dead-letter queue, outside the queue lock.
func NewQueue(name string, cfg QueueConfig, onDeadLetter func(DeadLetter)) *Queue {
	return &Queue{
		name:         name,
		cfg:          cfg.withDefaults(),
		onDeadLetter: onDeadLetter,
		signal:       make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Name returns the channel name.
func (q *Queue) Name() string { return q.name }

// Send enqueues env as immediately visible.
func (q *Queue) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.entries = append(q.entries, &entry{env: env, visibleAt: q.now()})
	q.mu.Unlock()
	q.notify()
	return nil
}

// Receive blocks until a message is visible or ctx ends. Messages that were already
// delivered MaxReceiveCount times are dead-lettered instead of returned.
func (q *Queue) Receive(ctx context.Context) (Message, error) {
	for {
		msg, ok, wake, dead := q.take()
		q.deadLettered(dead)
		if ok {
			return msg, nil
		}

		if err := q.wait(ctx, wake); err != nil {
			return Message{}, err
		}
	}
}

// TryReceive claims a visible message without blocking.
func (q *Queue) TryReceive() (Message, bool) {
	msg, ok, _, dead := q.take()
	q.deadLettered(dead)
	return msg, ok
}

func (q *Queue) deadLettered(dead []DeadLetter) {
	if q.onDeadLetter == nil {
		return
	}
	for _, dl := range dead {
		q.onDeadLetter(dl)
	}
}

func (q *Queue) wait(ctx context.Context, wake time.Time) error {
	var fire <-chan time.Time
	if !wake.IsZero() {
		timer := time.NewTimer(wake.Sub(q.now()))
		defer timer.Stop()
		fire = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.signal:
	case <-fire:
	}
	return nil
}

// take claims the first visible message. wake is when the next hidden message becomes visible.
func (q *Queue) take() (msg Message, ok bool, wake time.Time, dead []DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.entries[:0]
	for _, e := range q.entries {
		switch {
		case ok || e.visibleAt.After(now):
			if !ok && (wake.IsZero() || e.visibleAt.Before(wake)) {
				wake = e.visibleAt
			}
			kept = append(kept, e)
		case e.receiveCount >= q.cfg.MaxReceiveCount:
			dl := DeadLetter{
				Envelope:       e.env,
				Channel:        q.name,
				ReceiveCount:   e.receiveCount,
				Reason:         "max receive count exceeded",
				DeadLetteredAt: now,
			}
			q.dead = append(q.dead, dl)
			dead = append(dead, dl)
		default:
			e.receiveCount++
			e.receipt = uuid.NewString()
			e.visibleAt = now.Add(q.cfg.VisibilityTimeout)
			env := e.env
			env.Attempt = e.receiveCount
			msg, ok = Message{Envelope: env, Channel: q.name, Receipt: e.receipt}, true
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept

	if ok && q.visibleLocked(now) {
		q.notify()
	}
	return msg, ok, wake, dead
}

func (q *Queue) visibleLocked(now time.Time) bool {
	for _, e := range q.entries {
		if !e.visibleAt.After(now) {
			return true
		}
	}
	return false
}

// Ack deletes a delivered message.
func (q *Queue) Ack(receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.findLocked(receipt)
	if i < 0 {
		return ErrReceiptInvalid
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return nil
}

// Nack makes a delivered message visible again after delay.
func (q *Queue) Nack(receipt string, delay time.Duration) error {
	q.mu.Lock()
	i := q.findLocked(receipt)
	if i < 0 {
		q.mu.Unlock()
		return ErrReceiptInvalid
	}
	e := q.entries[i]
	e.receipt = ""
	e.visibleAt = q.now().Add(delay)
	q.mu.Unlock()
	q.notify()
	return nil
}

// DeadLetter moves a delivered message straight to the dead-letter queue.
func (q *Queue) DeadLetter(receipt, reason string) error {
	q.mu.Lock()
	i := q.findLocked(receipt)
	if i < 0 {
		q.mu.Unlock()
		return ErrReceiptInvalid
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	dl := DeadLetter{
		Envelope:       e.env,
		Channel:        q.name,
		ReceiveCount:   e.receiveCount,
		Reason:         reason,
		DeadLetteredAt: q.now(),
	}
	q.dead = append(q.dead, dl)
	q.mu.Unlock()
	q.deadLettered([]DeadLetter{dl})
	return nil
}

// findLocked returns the index of the in-flight entry holding receipt.
func (q *Queue) findLocked(receipt string) int {
	if receipt == "" {
		return -1
	}
	now := q.now()
	for i, e := range q.entries {
		if e.receipt == receipt {
			if !e.visibleAt.After(now) {
				return -1
			}
			return i
		}
	}
	return -1
}

// DeadLetters returns the dead-letter queue, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Redrive moves a dead letter back onto the channel with its receive count reset.
func (q *Queue) Redrive(id string) (DeadLetter, error) {
	q.mu.Lock()
	i := slices.IndexFunc(q.dead, func(dl DeadLetter) bool { return dl.ID == id })
	if i < 0 {
		q.mu.Unlock()
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	dl := q.dead[i]
	q.dead = slices.Delete(q.dead, i, i+1)
	env := dl.Envelope
	env.Attempt = 0
	q.entries = append(q.entries, &entry{env: env, visibleAt: q.now()})
	q.mu.Unlock()
	q.notify()
	return dl, nil
}

func (q *Queue) restore(dl DeadLetter) {
	q.mu.Lock()
	q.dead = append(q.dead, dl)
	q.mu.Unlock()
}

// PurgeDeadLetters drops dead letters older than the retention and returns how many.
func (q *Queue) PurgeDeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-q.cfg.DeadLetterRetention)
	kept := q.dead[:0]
	for _, dl := range q.dead {
		if dl.DeadLetteredAt.After(cutoff) {
			kept = append(kept, dl)
		}
	}
	purged := len(q.dead) - len(kept)
	q.dead = kept
	return purged
}

// Depth reports pending (visible or hidden) and dead-lettered message counts.
func (q *Queue) Depth() (pending, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), len(q.dead)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
