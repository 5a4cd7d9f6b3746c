package saga

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStep struct {
	name    StepName
	timeout time.Duration
	calls   atomic.Int32
	run     func(ctx context.Context, in StepInput) (StepOutput, error)
}

func (s *fakeStep) Name() StepName         { return s.name }
func (s *fakeStep) Timeout() time.Duration { return s.timeout }

func (s *fakeStep) Execute(ctx context.Context, in StepInput) (StepOutput, error) {
	s.calls.Add(1)
	if s.run != nil {
		return s.run(ctx, in)
	}
	var committed []Resource
	switch s.name {
	case StepInventory:
		committed = append(committed, Resource{Kind: ResourceReservation, ID: "res-" + in.OrderID, ProductID: "P", WarehouseID: "W", Quantity: 1})
	case StepPayment:
		committed = append(committed, Resource{Kind: ResourceCharge, ID: "pay-" + in.OrderID, Amount: in.Order.Total()})
	case StepShipping:
		committed = append(committed, Resource{Kind: ResourceShipment, ID: "ship-" + in.OrderID})
	}
	return NewOutput(map[string]string{"step": string(s.name)}, committed...)
}

type fakeCompensator struct {
	mu       sync.Mutex
	undone   []Resource
	requests []CompensationRequest
	failures map[ResourceKind]int
}

func (c *fakeCompensator) Compensate(_ context.Context, req CompensationRequest, res Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures[res.Kind] > 0 {
		c.failures[res.Kind]--
		return fault.Transient("refund service unavailable")
	}
	c.undone = append(c.undone, res)
	c.requests = append(c.requests, req)
	return nil
}

func (c *fakeCompensator) kinds() []ResourceKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResourceKind, len(c.undone))
	for i, r := range c.undone {
		out[i] = r.Kind
	}
	return out
}

type eventRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *eventRecorder) Publish(_ context.Context, env delivery.Envelope) error {
	r.mu.Lock()
	r.types = append(r.types, env.Type)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

type harness struct {
	coord   *Coordinator
	store   *MemoryStore
	orders  *orders.MemoryRepository
	steps   map[StepName]*fakeStep
	comp    *fakeCompensator
	events  *eventRecorder
	metrics *observability.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		orders:  orders.NewMemoryRepository(),
		steps:   make(map[StepName]*fakeStep),
		comp:    &fakeCompensator{failures: make(map[ResourceKind]int)},
		events:  &eventRecorder{},
		metrics: observability.NewMetrics(),
	}
	var steps []Step
	for _, name := range Steps() {
		s := &fakeStep{name: name}
		h.steps[name] = s
		steps = append(steps, s)
	}
	coord, err := NewCoordinator(cfg, Deps{
		Store:       h.store,
		Orders:      h.orders,
		Steps:       steps,
		Compensator: h.comp,
		Publisher:   h.events,
		Metrics:     h.metrics,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.coord = coord
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return h
}

func request(orderID, token string) Request {
	return Request{
		OrderID:          orderID,
		CustomerID:       "C1",
		CustomerEmail:    "c1@example.com",
		IdempotencyToken: token,
		LineItems: []orders.LineItem{
			{ProductID: "P", WarehouseID: "W", Quantity: 1, UnitPrice: decimal.RequireFromString("19.99")},
		},
	}
}

func (h *harness) run(t *testing.T, req Request) Execution {
	t.Helper()
	handle, err := h.coord.Start(context.Background(), req)
	require.NoError(t, err)
	require.True(t, handle.Created)
	return h.await(t, req.OrderID)
}

func (h *harness) await(t *testing.T, orderID string) Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := h.coord.Await(ctx, orderID)
	require.NoError(t, err)
	return exec
}

func (h *harness) orderStatus(t *testing.T, orderID string) orders.Status {
	t.Helper()
	o, err := h.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func TestCoordinator_HappyPathCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	exec := h.run(t, request("O1", "T1"))

	assert.Equal(t, StateCompleted, exec.State)
	assert.True(t, exec.Terminal)
	require.Len(t, exec.Steps, 4)
	for i, name := range Steps() {
		assert.Equal(t, name, exec.Steps[i].Step)
		assert.Equal(t, OutcomeSucceeded, exec.Steps[i].Outcome)
	}
	assert.Empty(t, h.comp.kinds())
	assert.Equal(t, orders.StatusFulfilled, h.orderStatus(t, "O1"))
	assert.Equal(t, []string{
		delivery.TypeOrderCreated,
		delivery.TypeInventoryReserved,
		delivery.TypePaymentConfirmed,
		delivery.TypeShippingAllocated,
		delivery.TypeOrderFulfilled,
	}, h.events.list())

	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Sagas[observability.SagaStarted])
	assert.Equal(t, int64(1), snap.Sagas[observability.SagaCompleted])
}

func TestCoordinator_PaymentDeclinedReleasesReservation(t *testing.T) {
	h := newHarness(t, Config{})
	h.steps[StepPayment].run = func(context.Context, StepInput) (StepOutput, error) {
		return StepOutput{}, orders.ErrPaymentDeclined
	}

	exec := h.run(t, request("O1", "T1"))

	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, StepPayment, exec.FailedStep)
	require.NotNil(t, exec.Cause)
	assert.Equal(t, fault.KindBusinessRule, exec.Cause.ErrorType)
	assert.Equal(t, []ResourceKind{ResourceReservation}, h.comp.kinds())
	assert.Equal(t, int32(0), h.steps[StepShipping].calls.Load())
	assert.Equal(t, orders.StatusFailed, h.orderStatus(t, "O1"))
	assert.Contains(t, h.events.list(), delivery.TypeOrderFailed)

	h.comp.mu.Lock()
	req := h.comp.requests[0]
	h.comp.mu.Unlock()
	assert.Equal(t, StepPayment, req.FailedStep)
	assert.Equal(t, "O1", req.OrderID)
}

func TestCoordinator_ShippingFailureCompensatesInReverse(t *testing.T) {
	h := newHarness(t, Config{})
	h.steps[StepShipping].run = func(context.Context, StepInput) (StepOutput, error) {
		return StepOutput{}, orders.ErrNoCarrier
	}

	exec := h.run(t, request("O1", "T1"))

	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, StepShipping, exec.FailedStep)
	assert.Equal(t, []ResourceKind{ResourceCharge, ResourceReservation}, h.comp.kinds())
	assert.Len(t, exec.Compensations, 2)
}

func TestCoordinator_StepTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	h.steps[StepPayment].timeout = 20 * time.Millisecond
	h.steps[StepPayment].run = func(ctx context.Context, _ StepInput) (StepOutput, error) {
		<-ctx.Done()
		return StepOutput{}, ctx.Err()
	}

	exec := h.run(t, request("O1", "T1"))

	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, StepPayment, exec.FailedStep)
	require.NotNil(t, exec.Cause)
	assert.Equal(t, fault.KindTimeout, exec.Cause.ErrorType)
	assert.Equal(t, []ResourceKind{ResourceReservation}, h.comp.kinds())
}

func TestCoordinator_GlobalTimeout(t *testing.T) {
	h := newHarness(t, Config{Timeout: 30 * time.Millisecond})
	h.steps[StepShipping].run = func(ctx context.Context, _ StepInput) (StepOutput, error) {
		<-ctx.Done()
		return StepOutput{}, ctx.Err()
	}

	exec := h.run(t, request("O1", "T1"))

	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, StepShipping, exec.FailedStep)
	assert.Equal(t, fault.KindTimeout, exec.Cause.ErrorType)
	assert.Equal(t, []ResourceKind{ResourceCharge, ResourceReservation}, h.comp.kinds())
	assert.Equal(t, int64(1), h.metrics.Snapshot().Sagas[observability.SagaTimedOut])
}

func TestCoordinator_StepPanicFailsStep(t *testing.T) {
	h := newHarness(t, Config{})
	h.steps[StepInventory].run = func(context.Context, StepInput) (StepOutput, error) {
		panic("boom")
	}

	exec := h.run(t, request("O1", "T1"))

	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, StepInventory, exec.FailedStep)
	assert.Equal(t, fault.KindTransient, exec.Cause.ErrorType)
	assert.Empty(t, h.comp.kinds())
}

func TestCoordinator_CancelCompensatesBeforeNextStep(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	inventory := h.steps[StepInventory]
	inventory.run = func(ctx context.Context, in StepInput) (StepOutput, error) {
		close(started)
		<-release
		return NewOutput(nil, Resource{Kind: ResourceReservation, ID: "res-" + in.OrderID})
	}

	_, err := h.coord.Start(context.Background(), request("O1", "T1"))
	require.NoError(t, err)
	<-started
	_, err = h.coord.Cancel(context.Background(), "O1")
	require.NoError(t, err)
	close(release)

	exec := h.await(t, "O1")
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, StepPayment, exec.FailedStep)
	assert.Equal(t, cancelledCause, *exec.Cause)
	assert.Equal(t, int32(0), h.steps[StepPayment].calls.Load())
	assert.Equal(t, []ResourceKind{ResourceReservation}, h.comp.kinds())
	assert.Equal(t, orders.StatusCancelled, h.orderStatus(t, "O1"))
	assert.Contains(t, h.events.list(), delivery.TypeOrderCancelled)

	_, err = h.coord.Cancel(context.Background(), "O1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCoordinator_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.run(t, request("O1", "T1"))

	handle, err := h.coord.Start(context.Background(), request("O1", "T1"))
	require.NoError(t, err)
	assert.False(t, handle.Created)
	assert.Equal(t, StateCompleted, handle.State)
	assert.Equal(t, int32(1), h.steps[StepPayment].calls.Load())

	_, err = h.coord.Start(context.Background(), request("O2", "T1"))
	assert.ErrorIs(t, err, ErrTokenConflict)
	assert.True(t, fault.Is(err, fault.ErrValidation))

	changed := request("O1", "T2")
	changed.LineItems[0].Quantity = 3
	_, err = h.coord.Start(context.Background(), changed)
	assert.ErrorIs(t, err, orders.ErrOrderMismatch)
}

func TestCoordinator_StartValidates(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.coord.Start(context.Background(), request("O1", ""))
	assert.ErrorIs(t, err, ErrTokenRequired)

	empty := request("O1", "T1")
	empty.LineItems = nil
	_, err = h.coord.Start(context.Background(), empty)
	assert.ErrorIs(t, err, orders.ErrNoLineItems)

	bad := request("O1", "T1")
	bad.LineItems[0].Quantity = 0
	_, err = h.coord.Start(context.Background(), bad)
	kind, ok := fault.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindValidation, kind)

	_, err = h.coord.Status(context.Background(), "O1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_CompensationFailureIsRetriedBySweep(t *testing.T) {
	h := newHarness(t, Config{})
	h.comp.failures[ResourceReservation] = 1
	h.steps[StepPayment].run = func(context.Context, StepInput) (StepOutput, error) {
		return StepOutput{}, orders.ErrPaymentDeclined
	}

	exec := h.run(t, request("O1", "T1"))
	assert.Equal(t, StateCompensating, exec.State)
	assert.False(t, exec.Terminal)
	require.Len(t, exec.Compensations, 1)
	assert.Equal(t, OutcomeFailed, exec.Compensations[0].Outcome)

	launched, err := h.coord.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launched)

	exec = h.await(t, "O1")
	assert.Equal(t, StateFailed, exec.State)
	assert.Len(t, exec.Compensations, 2)
	assert.Equal(t, []ResourceKind{ResourceReservation}, h.comp.kinds())
	assert.Equal(t, int64(1), h.metrics.Snapshot().Sagas[observability.SagaCompensationFailed])
}

func TestCoordinator_ResumeSkipsSucceededSteps(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	order := orders.Order{
		ID:     "O1",
		Status: orders.StatusInventoryReserved,
		Items:  []orders.LineItem{{ProductID: "P", WarehouseID: "W", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}},
	}
	_, _, err := h.orders.Create(ctx, order)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, _, err = h.store.Create(ctx, Execution{
		OrderID:          "O1",
		IdempotencyToken: "T1",
		State:            StateProcessingPayment,
		Steps: []StepResult{{
			Step:      StepInventory,
			Outcome:   OutcomeSucceeded,
			Committed: []Resource{{Kind: ResourceReservation, ID: "res-O1"}},
		}},
		CreatedAt: now,
		Deadline:  now.Add(time.Minute),
	})
	require.NoError(t, err)

	launched, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, launched)

	exec := h.await(t, "O1")
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, int32(0), h.steps[StepInventory].calls.Load())
	assert.Equal(t, int32(1), h.steps[StepPayment].calls.Load())
	assert.Equal(t, orders.StatusFulfilled, h.orderStatus(t, "O1"))
}

func TestCoordinator_SweepTimesOutExpiredSagas(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, _, err := h.orders.Create(ctx, orders.Order{
		ID:    "O1",
		Items: []orders.LineItem{{ProductID: "P", WarehouseID: "W", Quantity: 1}},
	})
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	_, _, err = h.store.Create(ctx, Execution{OrderID: "O1", IdempotencyToken: "T1", State: StateReservingInventory, Deadline: past})
	require.NoError(t, err)

	launched, err := h.coord.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, launched)

	exec := h.await(t, "O1")
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, StepInventory, exec.FailedStep)
	assert.Equal(t, fault.KindTimeout, exec.Cause.ErrorType)
	assert.Equal(t, int32(0), h.steps[StepInventory].calls.Load())
	assert.Equal(t, orders.StatusFailed, h.orderStatus(t, "O1"))
}

func TestNewCoordinatorRequiresEveryStep(t *testing.T) {
	_, err := NewCoordinator(Config{}, Deps{
		Store:       NewMemoryStore(),
		Orders:      orders.NewMemoryRepository(),
		Steps:       []Step{&fakeStep{name: StepInventory}},
		Compensator: &fakeCompensator{},
	})
	require.Error(t, err)
}
