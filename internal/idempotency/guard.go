package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/reliability"
)

// Guard runs an operation at most once per key.
type Guard struct {
	Store Store
	// Wait bounds how long a caller waits on another caller's in-progress record.
	Wait time.Duration
	// Poll is the first delay between checks; it doubles up to Wait.
	Poll  time.Duration
	Sleep func(context.Context, time.Duration) error
	// SettleTimeout bounds Complete and Fail, which run even after ctx is done.
	SettleTimeout time.Duration
	// OnRecordError observes failures to persist the outcome after fn ran.
	OnRecordError func(key string, err error)
}

// Run executes fn under key. A completed key returns its stored result without calling fn.
// A key held by another caller is awaited for up to Wait, then ErrInProgress is returned.
func (g Guard) Run(ctx context.Context, key string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if g.Store == nil {
		return nil, ErrUnavailable
	}

	begun, err := g.Store.Begin(ctx, key)
	if err != nil {
		return nil, fault.Wrap(err, "idempotency begin")
	}

	switch begun.Outcome {
	case AlreadyCompleted:
		return begun.Record.Result, nil
	case AlreadyInProgress:
		return g.await(ctx, key, fn)
	}

	result, runErr := fn(ctx)

	settleCtx, cancel := g.settleContext(ctx)
	defer cancel()
	if runErr != nil {
		if err := g.Store.Fail(settleCtx, key, fault.NewFailure(runErr)); err != nil {
			g.recordError(key, err)
		}
		return nil, runErr
	}
	if err := g.Store.Complete(settleCtx, key, result); err != nil {
		g.recordError(key, err)
	}
	return result, nil
}

// settleContext detaches from ctx so a timed-out step still records its outcome
// instead of leaving the key in progress until it expires.
func (g Guard) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.SettleTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (g Guard) await(ctx context.Context, key string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	sleep := g.Sleep
	if sleep == nil {
		sleep = reliability.SleepWithContext
	}
	poll := g.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	policy := reliability.RetryPolicy{BaseDelay: poll, MaxDelay: g.Wait}

	var waited time.Duration
	for attempt := 1; waited < g.Wait; attempt++ {
		delay := policy.Delay(attempt)
		if remaining := g.Wait - waited; delay > remaining {
			delay = remaining
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		waited += delay

		rec, ok, err := g.Store.Get(ctx, key)
		if err != nil {
			return nil, fault.Wrap(err, "idempotency lookup")
		}
		if !ok || rec.Status == StatusFailed {
			// The owner gave up or the record lapsed; take over.
			return g.Run(ctx, key, fn)
		}
		if rec.Status == StatusCompleted {
			return rec.Result, nil
		}
	}
	return nil, ErrInProgress
}

func (g Guard) recordError(key string, err error) {
	if g.OnRecordError != nil {
		g.OnRecordError(key, err)
	}
}
