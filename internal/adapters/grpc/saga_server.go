package grpc

import (
	"context"
	"errors"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/inventory"
	"fulfillment/internal/orders"
	"fulfillment/internal/saga"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sagas is the coordinator behavior the adapter needs.
type Sagas interface {
	Start(ctx context.Context, req saga.Request) (saga.Handle, error)
	Status(ctx context.Context, orderID string) (saga.Execution, error)
	Cancel(ctx context.Context, orderID string) (saga.Execution, error)
}

// Inventory is the ledger behavior the adapter needs.
type Inventory interface {
	Get(ctx context.Context, productID, warehouseID string) (inventory.Record, error)
	AdjustStock(ctx context.Context, productID, warehouseID string, available int64) (inventory.Record, error)
}

// DeadLetters lists a channel's dead letters.
type DeadLetters interface {
	DeadLetters(channel string) ([]delivery.DeadLetter, error)
}

// SagaServer adapts the saga engine to gRPC.
type SagaServer struct {
	sagas       Sagas
	inventory   Inventory
	deadLetters DeadLetters
}

// NewSagaServer constructs a SagaServer.
func NewSagaServer(sagas Sagas, inv Inventory, dl DeadLetters) *SagaServer {
	return &SagaServer{sagas: sagas, inventory: inv, deadLetters: dl}
}

func (s *SagaServer) CreateSaga(ctx context.Context, req *CreateSagaRequest) (*CreateSagaResponse, error) {
	handle, err := s.sagas.Start(ctx, saga.Request{
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		CustomerEmail:    req.CustomerEmail,
		LineItems:        req.LineItems,
		ShippingAddress:  req.ShippingAddress,
		IdempotencyToken: req.IdempotencyToken,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &CreateSagaResponse{OrderID: handle.OrderID, State: handle.State, Created: handle.Created}, nil
}

func (s *SagaServer) GetSagaStatus(ctx context.Context, req *OrderRef) (*saga.Execution, error) {
	if req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "orderId required")
	}
	exec, err := s.sagas.Status(ctx, req.OrderID)
	if err != nil {
		return nil, mapError(err)
	}
	return &exec, nil
}

func (s *SagaServer) CancelOrder(ctx context.Context, req *OrderRef) (*saga.Execution, error) {
	if req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "orderId required")
	}
	exec, err := s.sagas.Cancel(ctx, req.OrderID)
	if err != nil {
		return nil, mapError(err)
	}
	return &exec, nil
}

func (s *SagaServer) GetInventory(ctx context.Context, req *InventoryRef) (*inventory.Record, error) {
	rec, err := s.inventory.Get(ctx, req.ProductID, req.WarehouseID)
	if err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

func (s *SagaServer) AdjustInventory(ctx context.Context, req *AdjustInventoryRequest) (*inventory.Record, error) {
	rec, err := s.inventory.AdjustStock(ctx, req.ProductID, req.WarehouseID, req.Available)
	if err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

func (s *SagaServer) ListDeadLetters(ctx context.Context, req *ListDeadLettersRequest) (*ListDeadLettersResponse, error) {
	dead, err := s.deadLetters.DeadLetters(req.Channel)
	if err != nil {
		return nil, mapError(err)
	}
	if dead == nil {
		dead = []delivery.DeadLetter{}
	}
	return &ListDeadLettersResponse{Channel: req.Channel, DeadLetters: dead}, nil
}

// mapError converts domain errors to gRPC status codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, saga.ErrNotFound),
		errors.Is(err, orders.ErrNotFound),
		errors.Is(err, inventory.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	switch fault.Classify(err) {
	case fault.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case fault.KindBusinessRule:
		return status.Error(codes.FailedPrecondition, err.Error())
	case fault.KindConflict:
		return status.Error(codes.Aborted, err.Error())
	case fault.KindTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case fault.KindTransient:
		if _, ok := fault.KindOf(err); ok {
			return status.Error(codes.Unavailable, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}
