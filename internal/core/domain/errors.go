package domain

import "errors"

var (
	ErrInvalidSku     = errors.New("invalid sku")
	ErrNotAllocated   = errors.New("not allocated to any batch")
	ErrBatchNotFound  = errors.New("batch not found")
	ErrDuplicateBatch = errors.New("duplicate batch reference")
	ErrSkuMismatch    = errors.New("batch sku does not match product")
)
