package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"fulfillment/internal/fault"
	"fulfillment/internal/observability"
	"fulfillment/internal/reliability"
)

// Handler processes one message. Retryable errors lead to redelivery with backoff;
// any other error dead-letters the message at once.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Consumer receives from one queue and settles every message it gets.
type Consumer struct {
	queue       *Queue
	handler     Handler
	backoff     reliability.RetryPolicy
	concurrency int
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewConsumer constructs a consumer. backoff.Delay(attempt) is the redelivery delay after a
// retryable failure.
func NewConsumer(queue *Queue, handler Handler, backoff reliability.RetryPolicy, concurrency int, metrics *observability.Metrics, logger *slog.Logger) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:       queue,
		handler:     handler,
		backoff:     backoff,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.With("component", "consumer", "channel", queue.Name()),
	}
}

// Run processes messages until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := c.queue.Receive(ctx)
				if err != nil {
					return
				}
				c.Process(ctx, msg)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Process runs the handler for msg and acks, nacks or dead-letters it.
func (c *Consumer) Process(ctx context.Context, msg Message) {
	err := c.handle(ctx, msg)
	channel := c.queue.Name()
	switch {
	case err == nil:
		if aerr := c.queue.Ack(msg.Receipt); aerr != nil {
			c.logger.WarnContext(ctx, "ack failed", "id", msg.ID, "error", aerr)
			return
		}
		c.metrics.IncDelivery(channel, observability.DeliveryAcked)
	case fault.Retryable(err) || errors.Is(err, context.Canceled):
		delay := c.backoff.Delay(msg.Attempt)
		c.logger.WarnContext(ctx, "delivery failed, will retry", "id", msg.ID, "type", msg.Type,
			"attempt", msg.Attempt, "delay", delay, "error", err)
		if nerr := c.queue.Nack(msg.Receipt, delay); nerr != nil {
			c.logger.WarnContext(ctx, "nack failed", "id", msg.ID, "error", nerr)
			return
		}
		c.metrics.IncDelivery(channel, observability.DeliveryRetried)
	default:
		reason := fmt.Sprintf("%s: %v", fault.Classify(err), err)
		if derr := c.queue.DeadLetter(msg.Receipt, reason); derr != nil {
			c.logger.WarnContext(ctx, "dead-letter failed", "id", msg.ID, "error", derr)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fault.Validation("handler panicked: %v", p)
		}
	}()
	return c.handler.Handle(ctx, msg)
}
