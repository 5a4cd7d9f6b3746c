package grpc

import (
	"context"

	"fulfillment/internal/delivery"
	"fulfillment/internal/inventory"
	"fulfillment/internal/orders"
	"fulfillment/internal/saga"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "fulfillment.v1.SagaService"

type CreateSagaRequest struct {
	OrderID          string            `json:"orderId"`
	CustomerID       string            `json:"customerId,omitempty"`
	CustomerEmail    string            `json:"customerEmail,omitempty"`
	LineItems        []orders.LineItem `json:"lineItems"`
	ShippingAddress  orders.Address    `json:"shippingAddress"`
	IdempotencyToken string            `json:"idempotencyToken"`
}

type CreateSagaResponse struct {
	OrderID string     `json:"orderId"`
	State   saga.State `json:"state"`
	Created bool       `json:"created"`
}

type OrderRef struct {
	OrderID string `json:"orderId"`
}

type InventoryRef struct {
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId"`
}

type AdjustInventoryRequest struct {
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId"`
	Available   int64  `json:"available"`
}

type ListDeadLettersRequest struct {
	Channel string `json:"channel"`
}

type ListDeadLettersResponse struct {
	Channel     string                `json:"channel"`
	DeadLetters []delivery.DeadLetter `json:"deadLetters"`
}

// SagaServiceServer is implemented by SagaServer.
type SagaServiceServer interface {
	CreateSaga(context.Context, *CreateSagaRequest) (*CreateSagaResponse, error)
	GetSagaStatus(context.Context, *OrderRef) (*saga.Execution, error)
	CancelOrder(context.Context, *OrderRef) (*saga.Execution, error)
	GetInventory(context.Context, *InventoryRef) (*inventory.Record, error)
	AdjustInventory(context.Context, *AdjustInventoryRequest) (*inventory.Record, error)
	ListDeadLetters(context.Context, *ListDeadLettersRequest) (*ListDeadLettersResponse, error)
}

// RegisterSagaServiceServer attaches srv to s.
func RegisterSagaServiceServer(s grpcpkg.ServiceRegistrar, srv SagaServiceServer) {
	s.RegisterService(&SagaServiceDesc, srv)
}

// SagaServiceDesc describes SagaService for grpc.Server.RegisterService.
var SagaServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SagaServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "CreateSaga", Handler: unary(func(s SagaServiceServer, ctx context.Context, in *CreateSagaRequest) (any, error) { return s.CreateSaga(ctx, in) })},
		{MethodName: "GetSagaStatus", Handler: unary(func(s SagaServiceServer, ctx context.Context, in *OrderRef) (any, error) { return s.GetSagaStatus(ctx, in) })},
		{MethodName: "CancelOrder", Handler: unary(func(s SagaServiceServer, ctx context.Context, in *OrderRef) (any, error) { return s.CancelOrder(ctx, in) })},
		{MethodName: "GetInventory", Handler: unary(func(s SagaServiceServer, ctx context.Context, in *InventoryRef) (any, error) { return s.GetInventory(ctx, in) })},
		{MethodName: "AdjustInventory", Handler: unary(func(s SagaServiceServer, ctx context.Context, in *AdjustInventoryRequest) (any, error) { return s.AdjustInventory(ctx, in) })},
		{MethodName: "ListDeadLetters", Handler: unary(func(s SagaServiceServer, ctx context.Context, in *ListDeadLettersRequest) (any, error) { return s.ListDeadLetters(ctx, in) })},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "fulfillment/v1/saga.proto",
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error)

// unary builds the decode/intercept/dispatch shim that protoc-gen-go-grpc
// generates per method. The wire body is decoded into Req before the
// interceptors run and the response is encoded after them.
func unary[Req any](call func(SagaServiceServer, context.Context, *Req) (any, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
		body := &structpb.Struct{}
		if err := dec(body); err != nil {
			return nil, err
		}
		in := new(Req)
		if err := fromStruct(body, in); err != nil {
			return nil, err
		}
		server := srv.(SagaServiceServer)
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*Req))
		}

		var (
			out any
			err error
		)
		if interceptor == nil {
			out, err = handler(ctx, in)
		} else {
			info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: fullMethod(ctx)}
			out, err = interceptor(ctx, in, info, handler)
		}
		if err != nil {
			return nil, err
		}
		return toStruct(out)
	}
}

func fullMethod(ctx context.Context) string {
	if method, ok := grpcpkg.Method(ctx); ok {
		return method
	}
	return "/" + ServiceName
}
