package domain

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Batch is a lot of stock for one SKU. A nil ETA means the batch is
// already in the warehouse.
type Batch struct {
	Reference string
	SKU       string
	ETA       *time.Time

	purchasedQuantity int
	allocations       map[OrderLine]struct{}
}

func NewBatch(ref, sku string, qty int, eta *time.Time) *Batch {
	return &Batch{
		Reference:         ref,
		SKU:               sku,
		ETA:               eta,
		purchasedQuantity: qty,
		allocations:       make(map[OrderLine]struct{}),
	}
}

// RestoreBatch rebuilds a batch from storage. Allocations are taken as-is,
// without checking capacity.
func RestoreBatch(ref, sku string, qty int, eta *time.Time, allocations []OrderLine) *Batch {
	b := NewBatch(ref, sku, qty, eta)
	for _, line := range allocations {
		b.allocations[line] = struct{}{}
	}
	return b
}

func (b *Batch) PurchasedQuantity() int {
	return b.purchasedQuantity
}

func (b *Batch) AllocatedQuantity() int {
	total := 0
	for line := range b.allocations {
		total += line.Qty
	}
	return total
}

// AvailableQuantity goes negative only after the purchased quantity was
// shrunk below what is already allocated.
func (b *Batch) AvailableQuantity() int {
	return b.purchasedQuantity - b.AllocatedQuantity()
}

func (b *Batch) CanAllocate(line OrderLine) bool {
	return b.SKU == line.SKU && b.AvailableQuantity() >= line.Qty
}

func (b *Batch) Allocate(line OrderLine) {
	if b.CanAllocate(line) {
		b.allocations[line] = struct{}{}
	}
}

func (b *Batch) Deallocate(line OrderLine) {
	delete(b.allocations, line)
}

// DeallocateOne evicts one allocated line: the largest quantity first,
// ties broken by order id and then SKU.
func (b *Batch) DeallocateOne() (OrderLine, bool) {
	if len(b.allocations) == 0 {
		return OrderLine{}, false
	}
	lines := b.Allocations()
	victim := slices.MinFunc(lines, func(x, y OrderLine) int {
		if c := cmp.Compare(y.Qty, x.Qty); c != 0 {
			return c
		}
		return compareLines(x, y)
	})
	delete(b.allocations, victim)
	return victim, true
}

func (b *Batch) IsAllocatedTo(line OrderLine) bool {
	_, ok := b.allocations[line]
	return ok
}

// Allocations returns a sorted copy of the allocated lines.
func (b *Batch) Allocations() []OrderLine {
	lines := make([]OrderLine, 0, len(b.allocations))
	for line := range b.allocations {
		lines = append(lines, line)
	}
	slices.SortFunc(lines, compareLines)
	return lines
}

// Equal compares identity only.
func (b *Batch) Equal(other *Batch) bool {
	if other == nil {
		return false
	}
	return b.Reference == other.Reference
}

// Less orders in-stock batches first, then by ETA, then by reference.
func (b *Batch) Less(other *Batch) bool {
	return compareBatches(b, other) < 0
}

func (b *Batch) clone() *Batch {
	var eta *time.Time
	if b.ETA != nil {
		t := *b.ETA
		eta = &t
	}
	return RestoreBatch(b.Reference, b.SKU, b.purchasedQuantity, eta, b.Allocations())
}

func compareBatches(a, b *Batch) int {
	switch {
	case a.ETA == nil && b.ETA != nil:
		return -1
	case a.ETA != nil && b.ETA == nil:
		return 1
	case a.ETA != nil && b.ETA != nil:
		if c := a.ETA.Compare(*b.ETA); c != 0 {
			return c
		}
	}
	return strings.Compare(a.Reference, b.Reference)
}

func compareLines(x, y OrderLine) int {
	if c := strings.Compare(x.OrderID, y.OrderID); c != 0 {
		return c
	}
	if c := strings.Compare(x.SKU, y.SKU); c != 0 {
		return c
	}
	return cmp.Compare(x.Qty, y.Qty)
}
