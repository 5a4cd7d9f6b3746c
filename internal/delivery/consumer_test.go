package delivery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment/internal/fault"
	"fulfillment/internal/reliability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runConsumer(t *testing.T, q *Queue, h Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	backoff := reliability.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	c := NewConsumer(q, h, backoff, 2, nil, discardLogger())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestConsumer_AcksOnSuccess(t *testing.T) {
	q := NewQueue(ChannelNotification, QueueConfig{}, nil)
	var handled atomic.Int32
	runConsumer(t, q, HandlerFunc(func(context.Context, Message) error {
		handled.Add(1)
		return nil
	}))

	require.NoError(t, q.Send(context.Background(), testEnvelope(t, TypeOrderFulfilled)))
	require.Eventually(t, func() bool {
		pending, _ := q.Depth()
		return handled.Load() == 1 && pending == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConsumer_RetryableErrorsDeadLetterAfterMaxReceive(t *testing.T) {
	q := NewQueue(ChannelPayment, QueueConfig{MaxReceiveCount: 3}, nil)
	var handled atomic.Int32
	runConsumer(t, q, HandlerFunc(func(context.Context, Message) error {
		handled.Add(1)
		return fault.Transient("downstream unavailable")
	}))

	require.NoError(t, q.Send(context.Background(), testEnvelope(t, TypeInventoryReserved)))
	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), handled.Load())
	assert.Equal(t, 3, q.DeadLetters()[0].ReceiveCount)
}

func TestConsumer_PermanentErrorDeadLettersImmediately(t *testing.T) {
	q := NewQueue(ChannelShipping, QueueConfig{}, nil)
	var handled atomic.Int32
	runConsumer(t, q, HandlerFunc(func(context.Context, Message) error {
		handled.Add(1)
		return fault.BusinessRule("unknown product")
	}))

	require.NoError(t, q.Send(context.Background(), testEnvelope(t, TypePaymentConfirmed)))
	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), handled.Load())
	assert.Contains(t, q.DeadLetters()[0].Reason, string(fault.KindBusinessRule))
}

func TestConsumer_PanicIsDeadLettered(t *testing.T) {
	q := NewQueue(ChannelShipping, QueueConfig{}, nil)
	runConsumer(t, q, HandlerFunc(func(context.Context, Message) error {
		panic("bad handler")
	}))

	require.NoError(t, q.Send(context.Background(), testEnvelope(t, TypePaymentConfirmed)))
	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
