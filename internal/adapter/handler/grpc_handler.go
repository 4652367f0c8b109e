package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/port"
)

type GRPCHandler struct {
	bus    Bus
	view   port.AllocationsView
	logger *zap.Logger
}

var _ AllocationServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(bus Bus, view port.AllocationsView, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{bus: bus, view: view, logger: logger}
}

func (h *GRPCHandler) AddBatch(ctx context.Context, req *AddBatchRequest) (*AddBatchResponse, error) {
	if req.Ref == "" || req.Sku == "" || req.Qty < 0 {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}

	var eta *time.Time
	if req.Eta != "" {
		parsed, err := parseDate(req.Eta)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid eta")
		}
		eta = &parsed
	}

	if _, err := h.bus.Handle(ctx, domain.CreateBatch{Ref: req.Ref, SKU: req.Sku, Qty: req.Qty, ETA: eta}); err != nil {
		return nil, h.toStatus(err)
	}
	return &AddBatchResponse{Success: true, Message: "OK"}, nil
}

func (h *GRPCHandler) Allocate(ctx context.Context, req *AllocateRequest) (*AllocateResponse, error) {
	if req.OrderId == "" || req.Sku == "" || req.Qty <= 0 {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}

	results, err := h.bus.Handle(ctx, domain.Allocate{OrderID: req.OrderId, SKU: req.Sku, Qty: req.Qty})
	if err != nil {
		return nil, h.toStatus(err)
	}
	ref := first(results)
	if ref == "" {
		return &AllocateResponse{Success: false, Message: "out of stock"}, nil
	}
	return &AllocateResponse{Success: true, Message: "allocated", BatchRef: ref}, nil
}

func (h *GRPCHandler) Deallocate(ctx context.Context, req *DeallocateRequest) (*DeallocateResponse, error) {
	if req.OrderId == "" || req.Sku == "" || req.Qty <= 0 {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}

	results, err := h.bus.Handle(ctx, domain.DeAllocate{OrderID: req.OrderId, SKU: req.Sku, Qty: req.Qty})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &DeallocateResponse{BatchRef: first(results)}, nil
}

func (h *GRPCHandler) ChangeBatchQuantity(ctx context.Context, req *ChangeBatchQuantityRequest) (*ChangeBatchQuantityResponse, error) {
	if req.Ref == "" || req.Qty < 0 {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}
	if _, err := h.bus.Handle(ctx, domain.ChangeBatchQuantity{Ref: req.Ref, Qty: req.Qty}); err != nil {
		return nil, h.toStatus(err)
	}
	return &ChangeBatchQuantityResponse{}, nil
}

func (h *GRPCHandler) Allocations(ctx context.Context, req *AllocationsRequest) (*AllocationsResponse, error) {
	views, err := h.view.Allocations(ctx, req.OrderId)
	if err != nil {
		return nil, h.toStatus(err)
	}
	if len(views) == 0 {
		return nil, status.Errorf(codes.NotFound, "orderid %s not found", req.OrderId)
	}

	resp := &AllocationsResponse{Allocations: make([]Allocation, 0, len(views))}
	for _, v := range views {
		resp.Allocations = append(resp.Allocations, Allocation{Sku: v.SKU, BatchRef: v.BatchRef})
	}
	return resp, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidSku),
		errors.Is(err, domain.ErrNotAllocated),
		errors.Is(err, domain.ErrDuplicateBatch),
		errors.Is(err, domain.ErrSkuMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrBatchNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, port.ErrConcurrentModification):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	h.logger.Error("rpc failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}
