package domain

// OrderLine is a request to allocate Qty units of SKU to an order.
// It is a value: two lines with the same fields are the same line.
type OrderLine struct {
	OrderID string
	SKU     string
	Qty     int
}

// AllocationView is a read-side projection of one allocated line.
type AllocationView struct {
	SKU      string `json:"sku"`
	BatchRef string `json:"batchref"`
}
