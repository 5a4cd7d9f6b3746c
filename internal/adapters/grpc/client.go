package grpc

import (
	"context"

	"fulfillment/internal/inventory"
	"fulfillment/internal/saga"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls SagaService over an existing connection.
type Client struct {
	conn grpcpkg.ClientConnInterface
}

func NewClient(conn grpcpkg.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpcpkg.CallOption) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, opts...); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func (c *Client) CreateSaga(ctx context.Context, in *CreateSagaRequest, opts ...grpcpkg.CallOption) (*CreateSagaResponse, error) {
	out := new(CreateSagaResponse)
	if err := c.invoke(ctx, "CreateSaga", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSagaStatus(ctx context.Context, in *OrderRef, opts ...grpcpkg.CallOption) (*saga.Execution, error) {
	out := new(saga.Execution)
	if err := c.invoke(ctx, "GetSagaStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, in *OrderRef, opts ...grpcpkg.CallOption) (*saga.Execution, error) {
	out := new(saga.Execution)
	if err := c.invoke(ctx, "CancelOrder", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetInventory(ctx context.Context, in *InventoryRef, opts ...grpcpkg.CallOption) (*inventory.Record, error) {
	out := new(inventory.Record)
	if err := c.invoke(ctx, "GetInventory", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AdjustInventory(ctx context.Context, in *AdjustInventoryRequest, opts ...grpcpkg.CallOption) (*inventory.Record, error) {
	out := new(inventory.Record)
	if err := c.invoke(ctx, "AdjustInventory", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListDeadLetters(ctx context.Context, in *ListDeadLettersRequest, opts ...grpcpkg.CallOption) (*ListDeadLettersResponse, error) {
	out := new(ListDeadLettersResponse)
	if err := c.invoke(ctx, "ListDeadLetters", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
