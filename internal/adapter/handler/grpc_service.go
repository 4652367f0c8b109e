package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// The allocation gRPC service is described by hand and carried over a JSON
// codec, so no generated code is needed. Clients must call with
// grpc.CallContentSubtype(JSONCodecName).

const (
	AllocationServiceName = "allocation.v1.Allocation"
	JSONCodecName         = "json"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type AddBatchRequest struct {
	Ref string `json:"ref"`
	Sku string `json:"sku"`
	Qty int    `json:"qty"`
	Eta string `json:"eta,omitempty"`
}

type AddBatchResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type AllocateRequest struct {
	OrderId string `json:"orderid"`
	Sku     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type AllocateResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	BatchRef string `json:"batchref,omitempty"`
}

type DeallocateRequest struct {
	OrderId string `json:"orderid"`
	Sku     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type DeallocateResponse struct {
	BatchRef string `json:"batchref"`
}

type ChangeBatchQuantityRequest struct {
	Ref string `json:"ref"`
	Qty int    `json:"qty"`
}

type ChangeBatchQuantityResponse struct{}

type AllocationsRequest struct {
	OrderId string `json:"orderid"`
}

type Allocation struct {
	Sku      string `json:"sku"`
	BatchRef string `json:"batchref"`
}

type AllocationsResponse struct {
	Allocations []Allocation `json:"allocations"`
}

type AllocationServiceServer interface {
	AddBatch(context.Context, *AddBatchRequest) (*AddBatchResponse, error)
	Allocate(context.Context, *AllocateRequest) (*AllocateResponse, error)
	Deallocate(context.Context, *DeallocateRequest) (*DeallocateResponse, error)
	ChangeBatchQuantity(context.Context, *ChangeBatchQuantityRequest) (*ChangeBatchQuantityResponse, error)
	Allocations(context.Context, *AllocationsRequest) (*AllocationsResponse, error)
}

func RegisterAllocationServiceServer(s grpc.ServiceRegistrar, srv AllocationServiceServer) {
	s.RegisterService(&AllocationServiceDesc, srv)
}

var AllocationServiceDesc = grpc.ServiceDesc{
	ServiceName: AllocationServiceName,
	HandlerType: (*AllocationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddBatch", Handler: unary(AllocationServiceServer.AddBatch, "AddBatch")},
		{MethodName: "Allocate", Handler: unary(AllocationServiceServer.Allocate, "Allocate")},
		{MethodName: "Deallocate", Handler: unary(AllocationServiceServer.Deallocate, "Deallocate")},
		{MethodName: "ChangeBatchQuantity", Handler: unary(AllocationServiceServer.ChangeBatchQuantity, "ChangeBatchQuantity")},
		{MethodName: "Allocations", Handler: unary(AllocationServiceServer.Allocations, "Allocations")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "allocation/v1/allocation.json",
}

func fullMethod(method string) string {
	return "/" + AllocationServiceName + "/" + method
}

func unary[Req, Resp any](call func(AllocationServiceServer, context.Context, *Req) (*Resp, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AllocationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AllocationServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AllocationServiceClient calls the service over an existing connection.
type AllocationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAllocationServiceClient(cc grpc.ClientConnInterface) *AllocationServiceClient {
	return &AllocationServiceClient{cc: cc}
}

func (c *AllocationServiceClient) AddBatch(ctx context.Context, in *AddBatchRequest, opts ...grpc.CallOption) (*AddBatchResponse, error) {
	out := new(AddBatchResponse)
	return out, c.invoke(ctx, "AddBatch", in, out, opts)
}

func (c *AllocationServiceClient) Allocate(ctx context.Context, in *AllocateRequest, opts ...grpc.CallOption) (*AllocateResponse, error) {
	out := new(AllocateResponse)
	return out, c.invoke(ctx, "Allocate", in, out, opts)
}

func (c *AllocationServiceClient) Deallocate(ctx context.Context, in *DeallocateRequest, opts ...grpc.CallOption) (*DeallocateResponse, error) {
	out := new(DeallocateResponse)
	return out, c.invoke(ctx, "Deallocate", in, out, opts)
}

func (c *AllocationServiceClient) ChangeBatchQuantity(ctx context.Context, in *ChangeBatchQuantityRequest, opts ...grpc.CallOption) (*ChangeBatchQuantityResponse, error) {
	out := new(ChangeBatchQuantityResponse)
	return out, c.invoke(ctx, "ChangeBatchQuantity", in, out, opts)
}

func (c *AllocationServiceClient) Allocations(ctx context.Context, in *AllocationsRequest, opts ...grpc.CallOption) (*AllocationsResponse, error) {
	out := new(AllocationsResponse)
	return out, c.invoke(ctx, "Allocations", in, out, opts)
}

func (c *AllocationServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}
