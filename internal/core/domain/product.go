package domain

import (
	"fmt"
	"slices"
)

// Product is the aggregate root for every batch of one SKU. Mutations
// append messages to an internal buffer; the unit of work drains it after
// commit.
type Product struct {
	SKU           string
	Batches       []*Batch
	VersionNumber int // optimistic locking

	events []Message
}

func NewProduct(sku string, batches ...*Batch) *Product {
	return &Product{SKU: sku, Batches: batches}
}

// RestoreProduct rebuilds a product loaded from storage.
func RestoreProduct(sku string, version int, batches []*Batch) *Product {
	return &Product{SKU: sku, Batches: batches, VersionNumber: version}
}

func (p *Product) AddBatch(b *Batch) error {
	if b.SKU != p.SKU {
		return fmt.Errorf("%w: batch %s has sku %s, product is %s", ErrSkuMismatch, b.Reference, b.SKU, p.SKU)
	}
	if _, ok := p.Batch(b.Reference); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, b.Reference)
	}
	p.Batches = append(p.Batches, b)
	p.VersionNumber++
	return nil
}

func (p *Product) Batch(ref string) (*Batch, bool) {
	for _, b := range p.Batches {
		if b.Reference == ref {
			return b, true
		}
	}
	return nil, false
}

// Allocate places the line on the preferred batch that can hold it and
// returns that batch's reference. When nothing fits it records OutOfStock
// and returns false.
func (p *Product) Allocate(line OrderLine) (string, bool) {
	sorted := slices.Clone(p.Batches)
	slices.SortFunc(sorted, compareBatches)

	for _, b := range sorted {
		if !b.CanAllocate(line) {
			continue
		}
		b.Allocate(line)
		p.VersionNumber++
		p.events = append(p.events, Allocated{
			OrderID:  line.OrderID,
			SKU:      line.SKU,
			Qty:      line.Qty,
			BatchRef: b.Reference,
		})
		return b.Reference, true
	}

	p.events = append(p.events, OutOfStock{SKU: line.SKU})
	return "", false
}

func (p *Product) Deallocate(line OrderLine) (string, error) {
	for _, b := range p.Batches {
		if !b.IsAllocatedTo(line) {
			continue
		}
		b.Deallocate(line)
		p.VersionNumber++
		p.events = append(p.events, Deallocated{
			OrderID:  line.OrderID,
			SKU:      line.SKU,
			Qty:      line.Qty,
			BatchRef: b.Reference,
		})
		return b.Reference, nil
	}
	return "", fmt.Errorf("%w: order %s sku %s qty %d", ErrNotAllocated, line.OrderID, line.SKU, line.Qty)
}

// ChangeBatchQuantity overwrites the purchased quantity of a batch. Lines
// that no longer fit are evicted one at a time and queued as Allocate
// commands so a later bus cycle can place them elsewhere.
func (p *Product) ChangeBatchQuantity(ref string, qty int) error {
	b, ok := p.Batch(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, ref)
	}

	b.purchasedQuantity = qty
	p.VersionNumber++
	p.events = append(p.events, BatchQuantityChanged{Ref: ref, Qty: qty})

	for b.AvailableQuantity() < 0 {
		line, ok := b.DeallocateOne()
		if !ok {
			break
		}
		p.events = append(p.events, Allocate{OrderID: line.OrderID, SKU: line.SKU, Qty: line.Qty})
	}
	return nil
}

// PendingEvents returns a copy of the undrained buffer.
func (p *Product) PendingEvents() []Message {
	return slices.Clone(p.events)
}

// DrainEvents empties the buffer and returns its contents in FIFO order.
func (p *Product) DrainEvents() []Message {
	drained := p.events
	p.events = nil
	return drained
}

// Clone deep-copies the persistent state. Pending events are not copied.
func (p *Product) Clone() *Product {
	batches := make([]*Batch, len(p.Batches))
	for i, b := range p.Batches {
		batches[i] = b.clone()
	}
	return RestoreProduct(p.SKU, p.VersionNumber, batches)
}
