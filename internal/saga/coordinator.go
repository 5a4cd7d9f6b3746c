package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds coordinator budgets.
type Config struct {
	// Timeout is the global budget from Created to a terminal state.
	Timeout time.Duration
	// CompensationTimeout bounds one compensation pass.
	CompensationTimeout time.Duration
	DefaultWarehouse    string
	SweepBatch          int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = time.Minute
	}
	if c.DefaultWarehouse == "" {
		c.DefaultWarehouse = "main"
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// Request triggers a saga.
type Request struct {
	OrderID          string
	CustomerID       string
	CustomerEmail    string
	LineItems        []orders.LineItem
	ShippingAddress  orders.Address
	IdempotencyToken string
}

// Handle identifies a started saga.
type Handle struct {
	OrderID string `json:"orderId"`
	State   State  `json:"state"`
	Created bool   `json:"created"`
}

var (
	ErrTokenRequired   = fault.Validation("idempotency token required")
	ErrAlreadyTerminal = fault.BusinessRule("saga already finished")

	cancelledCause = fault.Failure{ErrorType: fault.KindBusinessRule, Message: "order cancelled"}
)

type run struct {
	done      chan struct{}
	cancelled atomic.Bool
}

// Coordinator sequences the steps of each saga. Sagas for different orders run independently;
// steps within one saga never overlap.
type Coordinator struct {
	cfg         Config
	store       Store
	orders      orders.Repository
	steps       map[StepName]Step
	compensator Compensator
	publisher   delivery.Publisher
	metrics     *observability.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

// Deps are the collaborators of a Coordinator. Publisher and Metrics may be nil.
type Deps struct {
	Store       Store
	Orders      orders.Repository
	Steps       []Step
	Compensator Compensator
	Publisher   delivery.Publisher
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// NewCoordinator validates that every step in the chain is provided.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Compensator == nil {
		return nil, errors.New("saga: store, orders and compensator are required")
	}
	steps := make(map[StepName]Step, len(deps.Steps))
	for _, s := range deps.Steps {
		steps[s.Name()] = s
	}
	for _, st := range stages {
		if steps[st.step] == nil {
			return nil, fmt.Errorf("saga: missing step %s", st.step)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:         cfg.withDefaults(),
		store:       deps.Store,
		orders:      deps.Orders,
		steps:       steps,
		compensator: deps.Compensator,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "saga"),
		tracer:      otel.Tracer("fulfillment/saga"),
		now:         time.Now,
		running:     make(map[string]*run),
	}, nil
}

// Start validates the request, records the order and a Created execution, and drives
// the saga in the background. Repeating a token returns the existing saga's handle.
func (c *Coordinator) Start(ctx context.Context, req Request) (Handle, error) {
	if req.IdempotencyToken == "" {
		return Handle{}, ErrTokenRequired
	}
	order := orders.Order{
		ID:              req.OrderID,
		CustomerID:      req.CustomerID,
		CustomerEmail:   req.CustomerEmail,
		Items:           append([]orders.LineItem(nil), req.LineItems...),
		ShippingAddress: req.ShippingAddress,
		Status:          orders.StatusCreated,
	}
	order.Normalize(c.cfg.DefaultWarehouse)
	if err := order.Validate(); err != nil {
		return Handle{}, err
	}

	stored, created, err := c.orders.Create(ctx, order)
	if err != nil {
		return Handle{}, err
	}
	if !created && !stored.SameContents(order) {
		return Handle{}, orders.ErrOrderMismatch
	}

	now := c.now().UTC()
	exec, created, err := c.store.Create(ctx, Execution{
		OrderID:          order.ID,
		IdempotencyToken: req.IdempotencyToken,
		State:            StateCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
		Deadline:         now.Add(c.cfg.Timeout),
	})
	if err != nil {
		return Handle{}, err
	}
	if !created {
		return Handle{OrderID: exec.OrderID, State: exec.State}, nil
	}

	c.metrics.IncSaga(observability.SagaStarted)
	c.logger.InfoContext(ctx, "saga created", "order_id", order.ID, "deadline", exec.Deadline)
	c.publish(ctx, delivery.SourceOrders, delivery.TypeOrderCreated, stored)
	c.launch(order.ID, false)
	return Handle{OrderID: exec.OrderID, State: exec.State, Created: true}, nil
}

// Status returns the current execution for an order.
func (c *Coordinator) Status(ctx context.Context, orderID string) (Execution, error) {
	return c.store.Get(ctx, orderID)
}

// Cancel requests compensation for an in-flight saga. A running step is allowed to finish;
// compensation follows before the next step starts.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) (Execution, error) {
	exec, err := c.store.Get(ctx, orderID)
	if err != nil {
		return Execution{}, err
	}
	if exec.Terminal {
		return exec, ErrAlreadyTerminal
	}
	c.launch(orderID, true)
	c.logger.InfoContext(ctx, "saga cancellation requested", "order_id", orderID, "state", exec.State)
	return exec, nil
}

// Await blocks until the saga for orderID stops running in this process, then returns it.
func (c *Coordinator) Await(ctx context.Context, orderID string) (Execution, error) {
	c.mu.Lock()
	r := c.running[orderID]
	c.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return Execution{}, ctx.Err()
		}
	}
	return c.store.Get(ctx, orderID)
}

// Shutdown waits for running sagas to stop or for ctx to end. Unfinished sagas are
// picked up by the next Sweep.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the saga is driven by this process right now.
func (c *Coordinator) Running(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[orderID]
	return ok
}

// launch drives orderID in the background unless it is already running here.
func (c *Coordinator) launch(orderID string, cancel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.running[orderID]; ok {
		if cancel {
			r.cancelled.Store(true)
		}
		return
	}
	r := &run{done: make(chan struct{})}
	r.cancelled.Store(cancel)
	c.running[orderID] = r
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, orderID)
			c.mu.Unlock()
			close(r.done)
		}()
		if _, err := c.drive(context.Background(), orderID, r); err != nil {
			c.logger.Error("saga drive failed", "order_id", orderID, "error", err)
		}
	}()
}

// drive advances the saga from its stored state. It is safe to call on a saga that
// crashed mid-way: succeeded steps are skipped and a half-run step is re-invoked.
func (c *Coordinator) drive(ctx context.Context, orderID string, r *run) (Execution, error) {
	exec, err := c.store.Get(ctx, orderID)
	if err != nil {
		return Execution{}, err
	}
	if exec.Terminal {
		return exec, nil
	}
	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return exec, err
	}
	if exec.State == StateCompensating || exec.State.Failed() {
		return c.compensate(ctx, exec)
	}

	sagaCtx, cancel := context.WithDeadline(ctx, exec.Deadline)
	defer cancel()

	for _, st := range stages {
		if exec.Succeeded(st.step) {
			continue
		}
		if cause := c.interruption(sagaCtx, r, st); cause != nil {
			return c.abort(ctx, exec, st, cause)
		}
		if exec.State != st.running {
			if exec, err = c.transition(ctx, exec, Change{To: st.running}); err != nil {
				return exec, err
			}
		}

		result := c.invoke(sagaCtx, st, exec, order)
		if err := c.store.AppendStep(ctx, orderID, result); err != nil {
			return exec, err
		}
		exec.Steps = append(exec.Steps, result)

		if result.Outcome == OutcomeFailed {
			return c.abort(ctx, exec, st, result.Failure)
		}
		if st.orderStatus != "" {
			if updated, err := c.orders.UpdateStatus(ctx, orderID, st.orderStatus); err != nil {
				c.logger.WarnContext(ctx, "order status update failed", "order_id", orderID, "status", st.orderStatus, "error", err)
			} else {
				order = updated
			}
		}
		if st.eventType != "" {
			c.publish(ctx, st.eventSource, st.eventType, stepEvent{OrderID: orderID, Step: st.step, Output: result.Output})
		}
	}

	if exec, err = c.transition(ctx, exec, Change{To: StateCompleted}); err != nil {
		return exec, err
	}
	if _, err := c.orders.UpdateStatus(ctx, orderID, orders.StatusFulfilled); err != nil {
		c.logger.WarnContext(ctx, "order status update failed", "order_id", orderID, "status", orders.StatusFulfilled, "error", err)
	}
	c.metrics.IncSaga(observability.SagaCompleted)
	c.logger.InfoContext(ctx, "saga completed", "order_id", orderID)
	c.publish(ctx, delivery.SourceOrders, delivery.TypeOrderFulfilled, stepEvent{OrderID: orderID})
	return exec, nil
}

// interruption returns the cause that stops the saga before st runs, if any.
func (c *Coordinator) interruption(sagaCtx context.Context, r *run, st stage) *fault.Failure {
	if r != nil && r.cancelled.Load() {
		cause := cancelledCause
		return &cause
	}
	if sagaCtx.Err() != nil {
		return fault.NewFailure(fault.Timeout("saga exceeded %s before %s", c.cfg.Timeout, st.step))
	}
	return nil
}

func (c *Coordinator) invoke(sagaCtx context.Context, st stage, exec Execution, order orders.Order) (result StepResult) {
	step := c.steps[st.step]
	stepCtx := sagaCtx
	if timeout := step.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(sagaCtx, timeout)
		defer cancel()
	}
	stepCtx, span := c.tracer.Start(stepCtx, "saga.step",
		trace.WithAttributes(
			attribute.String("saga.order_id", exec.OrderID),
			attribute.String("saga.step", string(st.step)),
		))
	defer span.End()

	result = StepResult{Step: st.step, StartedAt: c.now().UTC()}
	defer func() {
		if p := recover(); p != nil {
			result.Outcome = OutcomeFailed
			result.Failure = fault.NewFailure(fault.Transient("step %s panicked: %v", st.step, p))
			result.Committed = nil
			result.EndedAt = c.now().UTC()
		}
	}()

	out, err := step.Execute(stepCtx, StepInput{OrderID: exec.OrderID, Order: order, Prior: exec.Steps})
	result.EndedAt = c.now().UTC()
	if err == nil {
		result.Outcome = OutcomeSucceeded
		result.Output = out.Detail
		result.Committed = out.Committed
		return result
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	result.Outcome = OutcomeFailed
	switch {
	case sagaCtx.Err() != nil:
		result.Failure = fault.NewFailure(fault.Timeout("saga exceeded %s during %s: %v", c.cfg.Timeout, st.step, err))
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		result.Failure = fault.NewFailure(fault.Timeout("step %s exceeded %s: %v", st.step, step.Timeout(), err))
	default:
		result.Failure = fault.NewFailure(err)
	}
	c.logger.WarnContext(sagaCtx, "saga step failed", "order_id", exec.OrderID, "step", st.step,
		"error_type", result.Failure.ErrorType, "error", result.Failure.Message)
	return result
}

// abort moves the saga through st's failure state and compensates what earlier steps committed.
func (c *Coordinator) abort(ctx context.Context, exec Execution, st stage, cause *fault.Failure) (Execution, error) {
	var err error
	if exec.State != st.running {
		if exec, err = c.transition(ctx, exec, Change{To: st.running}); err != nil {
			return exec, err
		}
	}
	if exec, err = c.transition(ctx, exec, Change{To: st.failed, FailedStep: st.step, Cause: cause}); err != nil {
		return exec, err
	}
	switch {
	case cause != nil && *cause == cancelledCause:
		c.metrics.IncSaga(observability.SagaCancelled)
	case cause != nil && cause.ErrorType == fault.KindTimeout:
		c.metrics.IncSaga(observability.SagaTimedOut)
	}
	return c.compensate(ctx, exec)
}

func (c *Coordinator) transition(ctx context.Context, exec Execution, change Change) (Execution, error) {
	change.From = exec.State
	change.At = c.now().UTC()
	if err := c.store.Transition(ctx, exec.OrderID, change); err != nil {
		return exec, err
	}
	exec.State = change.To
	exec.Terminal = change.To.Terminal()
	exec.UpdatedAt = change.At
	if change.FailedStep != "" {
		exec.FailedStep = change.FailedStep
	}
	if change.Cause != nil {
		exec.Cause = change.Cause
	}
	c.logger.DebugContext(ctx, "saga transition", "order_id", exec.OrderID, "from", change.From, "to", change.To)
	return exec, nil
}

func (c *Coordinator) publish(ctx context.Context, source, eventType string, detail any) {
	if c.publisher == nil {
		return
	}
	env, err := delivery.NewEnvelope(source, eventType, detail)
	if err == nil {
		err = c.publisher.Publish(ctx, env)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "event publish failed", "type", eventType, "error", err)
	}
}

type stepEvent struct {
	OrderID    string          `json:"orderId"`
	Step       StepName        `json:"step,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	FailedStep StepName        `json:"failedStep,omitempty"`
	Cause      *fault.Failure  `json:"error,omitempty"`
}

// compensate undoes every committed resource in reverse commit order. Resources already
// compensated are skipped, so a saga left in Compensating can be driven again.
func (c *Coordinator) compensate(ctx context.Context, exec Execution) (Execution, error) {
	var err error
	if exec.State.Failed() {
		if exec, err = c.transition(ctx, exec, Change{To: StateCompensating}); err != nil {
			return exec, err
		}
	}

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
	defer cancel()
	compCtx, span := c.tracer.Start(compCtx, "saga.compensate",
		trace.WithAttributes(attribute.String("saga.order_id", exec.OrderID)))
	defer span.End()

	req := CompensationRequest{OrderID: exec.OrderID, FailedStep: exec.FailedStep, Cause: exec.Cause}
	committed := exec.Committed()
	failed := 0
	for i := len(committed) - 1; i >= 0; i-- {
		res := committed[i]
		if exec.Compensated(res) {
			continue
		}
		result := CompensationResult{Resource: res, Outcome: OutcomeSucceeded}
		if err := c.undo(compCtx, req, res); err != nil {
			failed++
			result.Outcome = OutcomeFailed
			result.Failure = fault.NewFailure(err)
			span.RecordError(err)
			c.logger.ErrorContext(ctx, "compensation failed", "order_id", exec.OrderID,
				"resource", res.Kind, "resource_id", res.ID, "error", err)
		}
		result.At = c.now().UTC()
		if err := c.store.RecordCompensation(ctx, exec.OrderID, result); err != nil {
			return exec, err
		}
		exec.Compensations = append(exec.Compensations, result)
	}
	if failed > 0 {
		span.SetStatus(codes.Error, "compensation incomplete")
		c.metrics.IncSaga(observability.SagaCompensationFailed)
		return exec, fault.Transient("order %s: %d compensation(s) failed, saga left in %s", exec.OrderID, failed, exec.State)
	}

	if exec, err = c.transition(ctx, exec, Change{To: StateFailed}); err != nil {
		return exec, err
	}
	status, eventType := orders.StatusFailed, delivery.TypeOrderFailed
	if exec.Cause != nil && *exec.Cause == cancelledCause {
		status, eventType = orders.StatusCancelled, delivery.TypeOrderCancelled
	}
	if _, err := c.orders.UpdateStatus(ctx, exec.OrderID, status); err != nil {
		c.logger.WarnContext(ctx, "order status update failed", "order_id", exec.OrderID, "status", status, "error", err)
	}
	c.metrics.IncSaga(observability.SagaCompensated)
	c.metrics.IncSaga(observability.SagaFailed)
	c.logger.InfoContext(ctx, "saga compensated", "order_id", exec.OrderID, "failed_step", exec.FailedStep)
	c.publish(ctx, delivery.SourceOrders, eventType, stepEvent{OrderID: exec.OrderID, FailedStep: exec.FailedStep, Cause: exec.Cause})
	return exec, nil
}

func (c *Coordinator) undo(ctx context.Context, req CompensationRequest, res Resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fault.Transient("compensating %s %s panicked: %v", res.Kind, res.ID, p)
		}
	}()
	return c.compensator.Compensate(ctx, req, res)
}

// Sweep drives every non-terminal saga whose deadline is at or before deadlineBefore and
// that is not already running in this process. Sagas past their deadline fail with a
// Timeout cause and are compensated; sagas stuck in Compensating are retried.
func (c *Coordinator) Sweep(ctx context.Context, deadlineBefore time.Time) (int, error) {
	execs, err := c.store.ListActive(ctx, deadlineBefore, c.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, exec := range execs {
		if c.Running(exec.OrderID) {
			continue
		}
		c.launch(exec.OrderID, false)
		launched++
	}
	if launched > 0 {
		c.logger.InfoContext(ctx, "saga sweep", "launched", launched)
	}
	return launched, nil
}

// Resume picks up every in-flight saga after a restart.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	return c.Sweep(ctx, c.now().Add(c.cfg.Timeout))
}

// RunSweeper sweeps expired sagas every interval until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx, c.now()); err != nil {
				c.logger.WarnContext(ctx, "saga sweep failed", "error", err)
			}
		}
	}
}
